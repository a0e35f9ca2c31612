package motion

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/arctos-robotics/armd/pkg/config"
	"github.com/arctos-robotics/armd/pkg/driver"
)

// Kind discriminates the command types the service executes.
type Kind string

const (
	KindJoint   Kind = "joint"
	KindGripper Kind = "gripper"
	KindHome    Kind = "home"
)

// Command is one unit of work on the motion queue. Commands are immutable
// once enqueued; the service tracks execution state separately.
type Command interface {
	ID() uuid.UUID
	Kind() Kind
	Describe() string
}

type base struct {
	id uuid.UUID
}

func newBase() base          { return base{id: uuid.New()} }
func (b base) ID() uuid.UUID { return b.id }

// JointCommand moves the arm to a joint-space pose. Duration is the desired
// motion time in seconds; zero means derive it from the travel distance.
type JointCommand struct {
	base
	Targets  [driver.NumJoints]float64
	Duration float64
}

// NewJointCommand builds a joint move.
func NewJointCommand(targets [driver.NumJoints]float64, duration float64) *JointCommand {
	return &JointCommand{base: newBase(), Targets: targets, Duration: duration}
}

func (c *JointCommand) Kind() Kind { return KindJoint }

func (c *JointCommand) Describe() string {
	return fmt.Sprintf("joint move q=%.3v dur=%.2fs", c.Targets, c.Duration)
}

// GripperCommand sets the gripper open fraction in [0,1].
type GripperCommand struct {
	base
	Position float64
}

// NewGripperCommand builds a gripper move.
func NewGripperCommand(pos float64) *GripperCommand {
	return &GripperCommand{base: newBase(), Position: math.Max(0, math.Min(1, pos))}
}

func (c *GripperCommand) Kind() Kind { return KindGripper }

func (c *GripperCommand) Describe() string {
	return fmt.Sprintf("gripper %.0f%%", c.Position*100)
}

// HomeCommand runs the homing routine for the given joints; empty means all.
type HomeCommand struct {
	base
	Joints []int
}

// NewHomeCommand builds a homing command.
func NewHomeCommand(joints []int) *HomeCommand {
	return &HomeCommand{base: newBase(), Joints: joints}
}

func (c *HomeCommand) Kind() Kind { return KindHome }

func (c *HomeCommand) Describe() string {
	if len(c.Joints) == 0 {
		return "home all joints"
	}
	return fmt.Sprintf("home joints %v", c.Joints)
}

// active is the single in-flight command context. At most one exists at a
// time; a new command is only dispatched after the previous one completes,
// times out, or is aborted.
type active struct {
	cmd      Command
	started  time.Time
	minDur   time.Duration
	deadline time.Time

	targets [driver.NumJoints]float64 // joint commands only
	done    chan error                // homing only; nil otherwise
}

// plan derives the execution window for a command from the current pose and
// the loop tuning: minimum duration before completion may be declared, and
// the hard deadline after which the command times out.
func plan(cmd Command, snap driver.Snapshot, p config.Motion, now time.Time) *active {
	a := &active{cmd: cmd, started: now}
	switch c := cmd.(type) {
	case *JointCommand:
		dur := c.Duration
		if dur <= 0 {
			var travel float64
			for i := range c.Targets {
				travel = math.Max(travel, math.Abs(c.Targets[i]-snap.Q[i]))
			}
			dur = travel / p.JointSpeedRadS
		}
		dur = math.Max(dur, p.MinMotionTime)
		a.minDur = time.Duration(dur * float64(time.Second))
		a.deadline = now.Add(time.Duration(dur * p.TimeoutFactor * float64(time.Second)))
		a.targets = c.Targets
	case *GripperCommand:
		// Settle time scales with how far the gripper travels.
		settle := p.GripperSettleS * math.Abs(c.Position-snap.Gripper)
		settle = math.Max(settle, 0.2)
		a.minDur = time.Duration(settle * float64(time.Second))
		a.deadline = now.Add(time.Duration(settle * p.TimeoutFactor * float64(time.Second)))
	case *HomeCommand:
		// Homing completion is signaled by the driver call returning, not
		// by pose convergence. The routine carries its own timeouts.
		a.deadline = now.Add(10 * time.Minute)
		a.done = make(chan error, 1)
	}
	return a
}

// jointsSettled reports whether every joint is within tolerance of its
// target and essentially still.
func (a *active) jointsSettled(snap driver.Snapshot, p config.Motion) bool {
	for i := range a.targets {
		if math.Abs(snap.Q[i]-a.targets[i]) > p.PosTolerance {
			return false
		}
		if math.Abs(snap.DQ[i]) > p.VelTolerance {
			return false
		}
	}
	return true
}
