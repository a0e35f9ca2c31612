// Package driver contains the actuator drivers behind the motion service:
// the CAN hardware driver, a kinematic simulator, and a composite that
// fans calls out to several drivers at once. All of them satisfy the same
// Driver contract, so the control loop never cares which one it is talking
// to.
package driver

import (
	"context"
	"time"
)

// NumJoints is the number of joint-space degrees of freedom.
const NumJoints = 6

// LimitPair is the state of one axis' pair of endstop switches.
type LimitPair struct {
	Low  bool `json:"low"`
	High bool `json:"high"`
}

// Snapshot is the per-tick feedback assembled by a driver. It is a value
// type: drivers hand out copies, never shared state.
type Snapshot struct {
	Q          [NumJoints]float64   `json:"q"`           // joint angles, rad
	DQ         [NumJoints]float64   `json:"dq"`          // joint velocities, rad/s
	Encoders   [NumJoints]int64     `json:"encoders"`    // raw motor encoder counts
	ShaftError [NumJoints]float64   `json:"error"`       // closed-loop tracking error, rad
	Limits     [NumJoints]LimitPair `json:"limits"`      // per-motor endstop state
	Gripper    float64              `json:"gripper_position"`
	Stamp      time.Time            `json:"-"`
}

// State is the driver lifecycle state.
type State int

const (
	Disconnected State = iota
	Connected
	Enabled
	Disabled
)

func (s State) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Enabled:
		return "ENABLED"
	case Disabled:
		return "DISABLED"
	default:
		return "DISCONNECTED"
	}
}

// Driver is the uniform contract across hardware, simulation, and
// composite drivers. Calls are synchronous to the caller but may fan out
// internally. Feedback never blocks longer than one polling round trip: on
// unreachable hardware it returns a last-known or zeroed snapshot so the
// control loop never stalls.
type Driver interface {
	Connect() error
	Enable() error
	Disable() error

	// Home homes every joint. HomeJoints homes the given subset.
	Home(ctx context.Context) error
	HomeJoints(ctx context.Context, joints []int) error

	// SendJointTargets issues a move toward q. The duration hint is
	// advisory; drivers run at their configured speeds.
	SendJointTargets(q [NumJoints]float64, durationHint float64) error

	OpenGripper() error
	CloseGripper() error
	SetGripperPosition(pos float64) error

	// StartJointVelocity jogs one joint at a fraction of its configured
	// speed; scale's sign selects the direction.
	StartJointVelocity(joint int, scale float64) error
	StopJointVelocity(joint int) error

	Feedback() Snapshot
	EStop() error

	// HandleLimits re-evaluates safety interlocks against the snapshot and
	// reports whether a limit newly tripped this tick.
	HandleLimits(snap Snapshot) bool

	// Mode is a short tag for telemetry ("HW", "SIM", ...).
	Mode() string
}

// CanProvider is implemented by drivers that expose an underlying CAN
// hardware driver. It replaces runtime type inspection for the
// config-reload path: callers ask for the capability instead of switching
// on concrete types.
type CanProvider interface {
	Can() (*CanDriver, bool)
}

// AsCan extracts the CAN hardware driver from d, if any.
func AsCan(d Driver) (*CanDriver, bool) {
	if p, ok := d.(CanProvider); ok {
		return p.Can()
	}
	return nil, false
}
