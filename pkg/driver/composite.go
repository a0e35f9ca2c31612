package driver

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Composite broadcasts every call to an ordered list of drivers (hardware
// before simulation, so a real arm and its digital twin move together).
// Each call fans out with one goroutine per member and joins all of them
// before returning: a slow member never delays issuance to the others, but
// callers still observe all-complete semantics.
//
// Feedback and limit handling are authoritative from exactly one member
// (the first, by convention the hardware driver) to avoid conflicting
// telemetry.
type Composite struct {
	members []Driver
}

// NewComposite builds a composite over the given members, in order. The
// first member is authoritative for feedback and limit handling.
func NewComposite(members ...Driver) *Composite {
	return &Composite{members: members}
}

func (c *Composite) Mode() string {
	if len(c.members) == 0 {
		return "NONE"
	}
	return c.members[0].Mode()
}

// Can implements CanProvider by searching the members.
func (c *Composite) Can() (*CanDriver, bool) {
	for _, m := range c.members {
		if cd, ok := AsCan(m); ok {
			return cd, true
		}
	}
	return nil, false
}

// each runs fn against every member concurrently and joins.
func (c *Composite) each(fn func(Driver) error) error {
	var g errgroup.Group
	for _, m := range c.members {
		m := m
		g.Go(func() error { return fn(m) })
	}
	return g.Wait()
}

func (c *Composite) Connect() error {
	return c.each(func(d Driver) error { return d.Connect() })
}

func (c *Composite) Enable() error {
	return c.each(func(d Driver) error { return d.Enable() })
}

func (c *Composite) Disable() error {
	return c.each(func(d Driver) error { return d.Disable() })
}

func (c *Composite) Home(ctx context.Context) error {
	return c.each(func(d Driver) error { return d.Home(ctx) })
}

func (c *Composite) HomeJoints(ctx context.Context, joints []int) error {
	return c.each(func(d Driver) error { return d.HomeJoints(ctx, joints) })
}

func (c *Composite) SendJointTargets(q [NumJoints]float64, durationHint float64) error {
	return c.each(func(d Driver) error { return d.SendJointTargets(q, durationHint) })
}

func (c *Composite) OpenGripper() error {
	return c.each(func(d Driver) error { return d.OpenGripper() })
}

func (c *Composite) CloseGripper() error {
	return c.each(func(d Driver) error { return d.CloseGripper() })
}

func (c *Composite) SetGripperPosition(pos float64) error {
	return c.each(func(d Driver) error { return d.SetGripperPosition(pos) })
}

func (c *Composite) StartJointVelocity(joint int, scale float64) error {
	return c.each(func(d Driver) error { return d.StartJointVelocity(joint, scale) })
}

func (c *Composite) StopJointVelocity(joint int) error {
	return c.each(func(d Driver) error { return d.StopJointVelocity(joint) })
}

func (c *Composite) EStop() error {
	return c.each(func(d Driver) error { return d.EStop() })
}

// Feedback returns the authoritative member's snapshot.
func (c *Composite) Feedback() Snapshot {
	if len(c.members) == 0 {
		return Snapshot{}
	}
	return c.members[0].Feedback()
}

// HandleLimits delegates to the authoritative member only.
func (c *Composite) HandleLimits(snap Snapshot) bool {
	if len(c.members) == 0 {
		return false
	}
	return c.members[0].HandleLimits(snap)
}

var _ Driver = (*Composite)(nil)
var _ Driver = (*Sim)(nil)
var _ Driver = (*CanDriver)(nil)
var _ fmt.Stringer = State(0)
