package driver

import (
	"context"
	"log"
	"math"
	"sync"
	"time"
)

// Sim is a first-order kinematic simulation of the arm: joints approach
// their targets at a bounded rate, so command-completion logic sees the
// same settle behavior it would against hardware. Useful as a digital twin
// alongside the CAN driver and as the default driver on machines without a
// bus.
type Sim struct {
	mu       sync.Mutex
	q        [NumJoints]float64
	dq       [NumJoints]float64
	targets  [NumJoints]float64
	jog      [NumJoints]float64
	gripper  float64
	last     time.Time
	state    State
	rate     float64 // convergence rate, 1/s
	maxVel   float64 // rad/s
	jogSpeed float64 // rad/s at |scale| == 1
}

// NewSim returns a simulator with default dynamics.
func NewSim() *Sim {
	return &Sim{
		rate:     4.0,
		maxVel:   1.5,
		jogSpeed: 0.5,
	}
}

func (s *Sim) Mode() string { return "SIM" }

func (s *Sim) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Connected
	s.last = time.Now()
	return nil
}

func (s *Sim) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Enabled
	return nil
}

func (s *Sim) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Disabled
	s.jog = [NumJoints]float64{}
	return nil
}

func (s *Sim) Home(ctx context.Context) error {
	return s.HomeJoints(ctx, []int{0, 1, 2, 3, 4, 5})
}

// HomeJoints snaps the requested joints to zero after a short delay, so
// the call is blocking like the hardware routine.
func (s *Sim) HomeJoints(ctx context.Context, joints []int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range joints {
		if j >= 0 && j < NumJoints {
			s.q[j] = 0
			s.targets[j] = 0
			s.dq[j] = 0
		}
	}
	return nil
}

func (s *Sim) SendJointTargets(q [NumJoints]float64, durationHint float64) error {
	s.step()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = q
	s.jog = [NumJoints]float64{}
	return nil
}

func (s *Sim) OpenGripper() error  { return s.SetGripperPosition(1.0) }
func (s *Sim) CloseGripper() error { return s.SetGripperPosition(0.0) }

func (s *Sim) SetGripperPosition(pos float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gripper = math.Max(0, math.Min(1, pos))
	return nil
}

func (s *Sim) StartJointVelocity(joint int, scale float64) error {
	if joint < 0 || joint >= NumJoints {
		return nil
	}
	s.step()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jog[joint] = math.Max(-1, math.Min(1, scale))
	return nil
}

func (s *Sim) StopJointVelocity(joint int) error {
	if joint < 0 || joint >= NumJoints {
		return nil
	}
	s.step()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jog[joint] = 0
	// Jogging leaves the joint where it stopped.
	s.targets[joint] = s.q[joint]
	return nil
}

// step advances the simulation by the wall time since the last step.
func (s *Sim) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.last.IsZero() {
		s.last = now
		return
	}
	dt := now.Sub(s.last).Seconds()
	s.last = now
	if s.state != Enabled || dt <= 0 {
		return
	}
	for i := 0; i < NumJoints; i++ {
		if s.jog[i] != 0 {
			v := s.jog[i] * s.jogSpeed
			s.q[i] += v * dt
			s.dq[i] = v
			s.targets[i] = s.q[i]
			continue
		}
		v := s.rate * (s.targets[i] - s.q[i])
		v = math.Max(-s.maxVel, math.Min(s.maxVel, v))
		s.q[i] += v * dt
		s.dq[i] = v
	}
}

func (s *Sim) Feedback() Snapshot {
	s.step()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Q:       s.q,
		DQ:      s.dq,
		Gripper: s.gripper,
		Stamp:   time.Now(),
	}
}

func (s *Sim) EStop() error {
	s.step()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = s.q
	s.jog = [NumJoints]float64{}
	s.dq = [NumJoints]float64{}
	log.Printf("sim: emergency stop")
	return nil
}

// HandleLimits always reports no trip: the simulator has no endstops.
func (s *Sim) HandleLimits(Snapshot) bool { return false }
