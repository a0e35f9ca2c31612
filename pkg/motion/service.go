// Package motion runs the arm's command queue: a fixed-rate control loop
// that feeds queued commands to a driver one at a time and decides when
// each has completed, timed out, or been interrupted by an interlock.
package motion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/arctos-robotics/armd/pkg/config"
	"github.com/arctos-robotics/armd/pkg/driver"
)

// State is the externally visible service state.
type State string

const (
	StateIdle      State = "IDLE"
	StateRunning   State = "RUNNING"   // work queued, none dispatched yet
	StateExecuting State = "EXECUTING" // a command is in flight
	StateError     State = "ERROR"
	StateTimeout   State = "TIMEOUT"
	StateLimitHit  State = "LIMIT_HIT"
	StateEStopped  State = "EMERGENCY_STOP"
	StateStopping  State = "STOPPING"
)

// ErrQueueFull is returned when the command queue is at capacity.
var ErrQueueFull = errors.New("motion: command queue full")

const queueCap = 64

// Telemetry receives a status update every loop tick. Publish must not
// block; implementations drop updates when consumers are slow.
type Telemetry interface {
	HasConsumers() bool
	Publish(Status)
}

// ActiveInfo describes the in-flight command for status reporting.
type ActiveInfo struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"`
	Describe string  `json:"describe"`
	Elapsed  float64 `json:"elapsed_s"`
}

// Status is the service snapshot handed to the API and telemetry layers.
type Status struct {
	State    State           `json:"state"`
	Mode     string          `json:"mode"`
	QueueLen int             `json:"queue_len"`
	Paused   bool            `json:"paused"`
	Active   *ActiveInfo     `json:"active,omitempty"`
	Snapshot driver.Snapshot `json:"feedback"`
}

// Service owns the command queue and the control loop. All public methods
// are safe for concurrent use.
type Service struct {
	drv driver.Driver
	cfg *config.Config

	mu     sync.Mutex
	queue  []Command
	act    *active
	paused bool
	fault  State // sticky TIMEOUT/LIMIT_HIT/EMERGENCY_STOP/ERROR, "" when clear
	snap   driver.Snapshot

	telemetry Telemetry

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a motion service over the given driver.
func New(drv driver.Driver, cfg *config.Config) *Service {
	return &Service{drv: drv, cfg: cfg}
}

// SetTelemetry attaches a telemetry sink. Call before Start.
func (s *Service) SetTelemetry(t Telemetry) { s.telemetry = t }

// Start connects and enables the driver, then launches the control loop at
// the configured rate. Calling Start on an already-running service clears
// an emergency-stop or error latch instead: a fresh start is the only way
// out of EMERGENCY_STOP.
func (s *Service) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		if err := s.drv.Connect(); err != nil {
			return fmt.Errorf("motion: connect driver: %w", err)
		}
		if err := s.drv.Enable(); err != nil {
			return fmt.Errorf("motion: enable driver: %w", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})

		hz := s.cfg.MotionParams().LoopHz
		if hz <= 0 {
			hz = 50
		}
		go s.run(ctx, time.Second/time.Duration(hz))
		log.Printf("motion: control loop started at %d Hz", hz)
	}

	s.mu.Lock()
	if s.fault != "" {
		log.Printf("motion: start clears %s", s.fault)
	}
	s.fault = ""
	s.paused = false
	s.mu.Unlock()
	return nil
}

// Stop halts the control loop and disables the driver. In-flight hardware
// motion is not countermanded; use EStop for that.
func (s *Service) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	s.mu.Lock()
	s.fault = StateStopping
	s.mu.Unlock()
	cancel()
	<-done

	if err := s.drv.Disable(); err != nil {
		log.Printf("motion: disable driver: %v", err)
	}
	s.mu.Lock()
	s.fault = ""
	s.act = nil
	s.mu.Unlock()
	log.Printf("motion: control loop stopped")
}

func (s *Service) run(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

// Enqueue appends a command. Enqueueing clears a timeout or limit pause:
// the fault holds the arm until the operator issues new motion, and the new
// motion is the acknowledgment. An emergency stop is not cleared here; it
// takes a fresh Start. Gripper commands coalesce: a queued,
// not-yet-dispatched gripper command is replaced by the newer one.
func (s *Service) Enqueue(cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.Kind() == KindGripper {
		kept := s.queue[:0]
		for _, q := range s.queue {
			if q.Kind() == KindGripper {
				log.Printf("motion: coalesced queued gripper command %s", q.ID())
				continue
			}
			kept = append(kept, q)
		}
		s.queue = kept
	}
	if len(s.queue) >= queueCap {
		return ErrQueueFull
	}
	s.queue = append(s.queue, cmd)
	if s.fault != StateEStopped {
		if s.paused || s.fault != "" {
			log.Printf("motion: new command clears %s", s.stateLocked())
		}
		s.paused = false
		s.fault = ""
	}
	return nil
}

// EStop stops all motors immediately and unconditionally clears the queue,
// the active command, and any pause.
func (s *Service) EStop() error {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.act = nil
	s.paused = true
	s.fault = StateEStopped
	s.mu.Unlock()

	log.Printf("motion: emergency stop, dropped %d queued commands", dropped)
	return s.drv.EStop()
}

// Status returns the current service snapshot.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(time.Now())
}

func (s *Service) statusLocked(now time.Time) Status {
	st := Status{
		State:    s.stateLocked(),
		Mode:     s.drv.Mode(),
		QueueLen: len(s.queue),
		Paused:   s.paused,
		Snapshot: s.snap,
	}
	if s.act != nil {
		st.Active = &ActiveInfo{
			ID:       s.act.cmd.ID().String(),
			Kind:     string(s.act.cmd.Kind()),
			Describe: s.act.cmd.Describe(),
			Elapsed:  now.Sub(s.act.started).Seconds(),
		}
	}
	return st
}

func (s *Service) stateLocked() State {
	switch {
	case s.fault != "":
		return s.fault
	case s.act != nil:
		return StateExecuting
	case len(s.queue) > 0:
		return StateRunning
	default:
		return StateIdle
	}
}

// tick is one control-loop iteration: poll feedback, re-evaluate
// interlocks, progress the active command, dispatch the next one. A panic
// anywhere in the tick latches the ERROR state instead of killing the loop.
func (s *Service) tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("motion: tick panic: %v", r)
			s.mu.Lock()
			s.fault = StateError
			s.paused = true
			s.act = nil
			s.mu.Unlock()
		}
	}()

	snap := s.drv.Feedback()
	tripped := s.drv.HandleLimits(snap)

	s.mu.Lock()
	s.snap = snap
	if tripped {
		if s.act != nil {
			log.Printf("motion: limit tripped, aborting %s", s.act.cmd.Describe())
			s.act = nil
		}
		s.paused = true
		s.fault = StateLimitHit
	}

	if s.act != nil {
		s.progressLocked(snap, now)
	}

	var next Command
	if s.act == nil && !s.paused && len(s.queue) > 0 {
		next = s.queue[0]
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()

	if next != nil {
		s.dispatch(next, snap, now)
	}

	if t := s.telemetry; t != nil && t.HasConsumers() {
		s.mu.Lock()
		st := s.statusLocked(now)
		s.mu.Unlock()
		t.Publish(st)
	}
}

// progressLocked advances the active command: completion first, then the
// deadline. Caller holds s.mu.
func (s *Service) progressLocked(snap driver.Snapshot, now time.Time) {
	a := s.act
	elapsed := now.Sub(a.started)

	done := false
	switch a.cmd.Kind() {
	case KindJoint:
		done = elapsed >= a.minDur && a.jointsSettled(snap, s.cfg.MotionParams())
	case KindGripper:
		done = elapsed >= a.minDur
	case KindHome:
		select {
		case err := <-a.done:
			if err != nil {
				log.Printf("motion: homing failed: %v", err)
			}
			done = true
		default:
		}
	}
	if done {
		log.Printf("motion: completed %s after %.2fs", a.cmd.Describe(), elapsed.Seconds())
		s.act = nil
		return
	}

	if now.After(a.deadline) {
		log.Printf("motion: %s timed out after %.2fs", a.cmd.Describe(), elapsed.Seconds())
		s.act = nil
		s.paused = true
		s.fault = StateTimeout
	}
}

// dispatch starts a command on the driver and installs it as the active
// command context.
func (s *Service) dispatch(cmd Command, snap driver.Snapshot, now time.Time) {
	a := plan(cmd, snap, s.cfg.MotionParams(), now)

	var err error
	switch c := cmd.(type) {
	case *JointCommand:
		err = s.drv.SendJointTargets(c.Targets, c.Duration)
	case *GripperCommand:
		err = s.drv.SetGripperPosition(c.Position)
	case *HomeCommand:
		joints := c.Joints
		if len(joints) == 0 {
			joints = []int{0, 1, 2, 3, 4, 5}
		}
		go func() {
			a.done <- s.drv.HomeJoints(context.Background(), joints)
		}()
	default:
		err = fmt.Errorf("motion: unknown command kind %q", cmd.Kind())
	}
	if err != nil {
		log.Printf("motion: dispatch of %s failed: %v", cmd.Describe(), err)
		s.mu.Lock()
		s.fault = StateError
		s.paused = true
		s.mu.Unlock()
		return
	}

	log.Printf("motion: dispatched %s", cmd.Describe())
	s.mu.Lock()
	// An estop racing the dispatch wins: the command is not installed.
	if s.fault == "" {
		s.act = a
	}
	s.mu.Unlock()
}
