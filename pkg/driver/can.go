package driver

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arctos-robotics/armd/pkg/bus"
	"github.com/arctos-robotics/armd/pkg/config"
	"github.com/arctos-robotics/armd/pkg/mks"
)

const (
	enableRetries  = 3
	limitRemapFrom = 2 // limit-input remap is wired on motors 3..6
	opTimeout      = 500 * time.Millisecond
	homeTimeout    = 60 * time.Second
	homePoll       = 50 * time.Millisecond
	endstopPoll    = 20 * time.Millisecond
	stopAccel      = 0
)

// CanDriver drives the six MKS servos over the CAN bus. It translates
// joint-space commands into per-motor operations, enforces the coupled-axis
// endstop constraints, runs the homing routines, and assembles joint-space
// feedback.
//
// When the CAN interface is absent (dev machines, CI) Connect leaves the
// driver with a nil bus and every operation degrades to a logged no-op;
// hardware absence is never fatal.
type CanDriver struct {
	cfg     *config.Config
	openBus func(iface string) (bus.Adapter, error)

	mu         sync.Mutex
	adapter    bus.Adapter
	servos     [NumJoints]*mks.Servo
	motors     [NumJoints]config.MotorConfig
	coupled    bool
	encoderRes int
	gripperID  uint32
	state      State

	pool    *pool
	pending []*task

	lastPositions  [NumJoints]float64 // motor shaft angles from last feedback
	lastLimits     [NumJoints]LimitPair
	velocityActive [NumJoints]bool
	velocityDir    [NumJoints]mks.Direction
	gripperPos     float64
	lastSnap       Snapshot
}

// CanOption configures a CanDriver.
type CanOption func(*CanDriver)

// WithAdapter injects an already-open bus adapter, bypassing the interface
// probe. Used by tests and by deployments with a custom transport.
func WithAdapter(a bus.Adapter) CanOption {
	return func(d *CanDriver) { d.adapter = a }
}

// NewCan builds a CAN driver from the configuration.
func NewCan(cfg *config.Config, opts ...CanOption) *CanDriver {
	d := &CanDriver{
		cfg: cfg,
		openBus: func(iface string) (bus.Adapter, error) {
			return bus.Open(iface)
		},
	}
	d.loadConfigLocked()
	for _, o := range opts {
		o(d)
	}
	return d
}

// loadConfigLocked refreshes the resolved motor parameters from config.
func (d *CanDriver) loadConfigLocked() {
	d.motors = d.cfg.Motors()
	d.coupled = d.cfg.CoupledAxisMode()
	can := d.cfg.CAN()
	d.encoderRes = can.EncoderResolution
	d.gripperID = uint32(can.GripperID)
}

// ReloadConfig refreshes motor parameters without reconnecting the bus.
func (d *CanDriver) ReloadConfig() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loadConfigLocked()
	log.Printf("can: motor configuration reloaded")
}

// Can implements CanProvider.
func (d *CanDriver) Can() (*CanDriver, bool) { return d, true }

// Mode implements Driver.
func (d *CanDriver) Mode() string { return "HW" }

// State returns the driver lifecycle state.
func (d *CanDriver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Connect probes the CAN interface and opens the bus. An unavailable
// interface is a soft outcome: the driver stays up with a nil bus and all
// later calls degrade to warn+no-op.
func (d *CanDriver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.adapter != nil {
		d.state = Connected
		return nil
	}
	iface := d.cfg.CAN().Interface
	a, err := d.openBus(iface)
	if err != nil {
		log.Printf("can: interface %s unavailable, running without hardware: %v", iface, err)
		d.adapter = nil
		d.state = Disconnected
		return nil
	}
	log.Printf("can: bus open on %s", iface)
	d.adapter = a
	d.state = Connected
	return nil
}

// Enable creates one servo handle per configured motor and enables each
// with bounded retries. Partial actuation is unsafe: any motor that still
// fails after the retries aborts Enable entirely.
func (d *CanDriver) Enable() error {
	d.mu.Lock()
	adapter := d.adapter
	motors := d.motors
	d.mu.Unlock()
	if adapter == nil {
		log.Printf("can: enable skipped, no bus")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var servos [NumJoints]*mks.Servo
	for i, mc := range motors {
		s := mks.NewServo(adapter, mc.ID)
		if err := d.enableMotor(ctx, s, mc); err != nil {
			s.Close()
			for _, prev := range servos {
				if prev != nil {
					prev.Enable(ctx, false)
					prev.Close()
				}
			}
			return fmt.Errorf("enable motor %d: %w", mc.ID, err)
		}
		servos[i] = s
	}

	// Route the limit inputs to the motion controllers on the wrist-side
	// motors so a trip halts motion in firmware. Failure here is logged,
	// not fatal: the host-side interlocks still apply.
	for i := limitRemapFrom; i < NumJoints; i++ {
		if err := servos[i].SetLimitRemap(ctx, true); err != nil {
			log.Printf("can: limit remap on motor %d failed: %v", motors[i].ID, err)
		}
	}

	d.mu.Lock()
	d.servos = servos
	if d.pool == nil || d.pool.Closed() {
		d.pool = newPool(NumJoints)
	}
	d.state = Enabled
	d.mu.Unlock()
	log.Printf("can: all %d motors enabled", NumJoints)
	return nil
}

// enableMotor enables one motor with retries. A status read confirms the
// enable; a motor resting on a tripped endstop is accepted as enabled,
// since the two states cannot be told apart over the bus.
func (d *CanDriver) enableMotor(ctx context.Context, s *mks.Servo, mc config.MotorConfig) error {
	var lastErr error
	for attempt := 1; attempt <= enableRetries; attempt++ {
		if err := s.Enable(ctx, true); err != nil {
			lastErr = err
		} else if st, err := s.Status(ctx); err == nil && st != mks.StatusReadFail {
			return nil
		} else if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("motor %d status read failed", mc.ID)
		}

		if io, err := s.ReadIOStatus(ctx); err == nil {
			lp := decodeLimits(mc, io)
			if lp.Low || lp.High {
				log.Printf("can: motor %d on endstop during enable, accepting as enabled", mc.ID)
				return nil
			}
		}
		log.Printf("can: enable attempt %d/%d for motor %d failed: %v", attempt, enableRetries, mc.ID, lastErr)
	}
	return lastErr
}

// Disable cancels outstanding per-motor work, disables each motor
// best-effort, releases the handles, and shuts the dispatch pool down.
func (d *CanDriver) Disable() error {
	d.mu.Lock()
	for _, t := range d.pending {
		t.Cancel()
	}
	d.pending = nil
	p := d.pool
	d.pool = nil
	servos := d.servos
	d.servos = [NumJoints]*mks.Servo{}
	adapter := d.adapter
	d.adapter = nil
	d.state = Disabled
	d.velocityActive = [NumJoints]bool{}
	d.mu.Unlock()

	if p != nil {
		p.Shutdown()
	}
	if adapter == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, s := range servos {
		if s == nil {
			continue
		}
		if err := s.Enable(ctx, false); err != nil {
			log.Printf("can: disable motor %d: %v", i+1, err)
		}
		s.Close()
	}
	return adapter.Close()
}

// angleToEncoder converts a motor shaft angle to encoder counts.
func (d *CanDriver) angleToEncoder(angle float64, mc config.MotorConfig, res int) int32 {
	return int32(angle / (2 * math.Pi) * float64(res) * mc.GearRatio)
}

// encoderToAngle converts encoder counts to a motor shaft angle.
func (d *CanDriver) encoderToAngle(enc int64, mc config.MotorConfig, res int) float64 {
	return float64(enc) / (float64(res) * mc.GearRatio) * (2 * math.Pi)
}

func (d *CanDriver) invertedSet() [NumJoints]bool {
	var inv [NumJoints]bool
	for i, mc := range d.motors {
		inv[i] = mc.Inverted
	}
	return inv
}

// SendJointTargets submits one bounded-pool task per motor. Pending tasks
// from an earlier call are cancelled first, so rapid target updates never
// queue stale motion behind fresh motion.
func (d *CanDriver) SendJointTargets(q [NumJoints]float64, durationHint float64) error {
	d.mu.Lock()
	if d.adapter == nil || d.state != Enabled {
		d.mu.Unlock()
		log.Printf("can: joint targets ignored, driver not enabled")
		return nil
	}
	motorAngles := jointToMotor(q, d.coupled, d.invertedSet())

	for _, t := range d.pending {
		t.Cancel()
	}
	d.pending = d.pending[:0]
	if d.pool == nil || d.pool.Closed() {
		d.pool = newPool(NumJoints)
	}

	for i := 0; i < NumJoints; i++ {
		i := i
		s := d.servos[i]
		mc := d.motors[i]
		res := d.encoderRes
		target := motorAngles[i]
		last := d.lastPositions[i]
		if s == nil {
			continue
		}
		t, ok := d.pool.Submit(func() {
			d.moveMotor(i, s, mc, res, target, last)
		})
		if !ok {
			log.Printf("can: dispatch pool rejected motion for motor %d", mc.ID)
			continue
		}
		d.pending = append(d.pending, t)
	}
	d.mu.Unlock()
	return nil
}

func (d *CanDriver) moveMotor(i int, s *mks.Servo, mc config.MotorConfig, res int, target, last float64) {
	dir := mks.CW
	if target < last {
		dir = mks.CCW
	}
	if !d.allowMotion(i, dir) {
		log.Printf("can: motion on motor %d toward tripped coupled endstop denied", mc.ID)
		return
	}
	enc := d.angleToEncoder(target, mc, res)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	result, err := s.RunAbsoluteMotion(ctx, uint16(mc.Speed), uint8(mc.Acceleration), enc)
	if err != nil {
		log.Printf("can: motion dispatch for motor %d failed: %v", mc.ID, err)
		return
	}
	if result == mks.RunFail {
		log.Printf("can: motor %d rejected motion command", mc.ID)
	}
}

// allowMotion denies new motion on motor 4 or 5 toward a tripped coupled
// endstop. Motion already in flight on the bus is not countermanded.
func (d *CanDriver) allowMotion(motor int, dir mks.Direction) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.coupled || (motor != 4 && motor != 5) {
		return true
	}
	partner := 9 - motor
	own, other := d.lastLimits[motor], d.lastLimits[partner]
	if dir == mks.CCW && (own.Low || other.Low) {
		return false
	}
	if dir == mks.CW && (own.High || other.High) {
		return false
	}
	return true
}

// HandleLimits diffs the snapshot's limit state against the previous tick
// to detect rising edges. On a new trip the coupled partner is stopped if
// it is jogging toward the now-forbidden direction, and both wrist motors'
// velocity flags are cleared. Already-tripped endstops issue no further
// stops. Reports whether any limit newly tripped.
func (d *CanDriver) HandleLimits(snap Snapshot) bool {
	d.mu.Lock()
	prev := d.lastLimits
	d.lastLimits = snap.Limits

	newTrip := false
	type stopOrder struct {
		servo *mks.Servo
		id    int
	}
	var stops []stopOrder
	for i := 0; i < NumJoints; i++ {
		risingLow := snap.Limits[i].Low && !prev[i].Low
		risingHigh := snap.Limits[i].High && !prev[i].High
		if !risingLow && !risingHigh {
			continue
		}
		newTrip = true
		if !d.coupled || (i != 4 && i != 5) {
			continue
		}
		partner := 9 - i
		forbidden := mks.CCW
		if risingHigh {
			forbidden = mks.CW
		}
		if d.velocityActive[partner] && d.velocityDir[partner] == forbidden {
			if s := d.servos[partner]; s != nil {
				stops = append(stops, stopOrder{s, d.motors[partner].ID})
			}
		}
		d.velocityActive[4] = false
		d.velocityActive[5] = false
	}
	d.mu.Unlock()

	for _, so := range stops {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if err := so.servo.StopSpeedMode(ctx, stopAccel); err != nil {
			log.Printf("can: coupled stop for motor %d failed: %v", so.id, err)
		} else {
			log.Printf("can: stopped motor %d, coupled endstop tripped", so.id)
		}
		cancel()
	}
	return newTrip
}

// Home homes every joint.
func (d *CanDriver) Home(ctx context.Context) error {
	return d.HomeJoints(ctx, []int{0, 1, 2, 3, 4, 5})
}

// HomeJoints homes the given joint subset. Axes 0-3 home independently and
// concurrently; axes 4/5 run strictly sequential coordinated routines on
// the same dispatch pool. One joint's failure is logged and does not abort
// its siblings.
func (d *CanDriver) HomeJoints(ctx context.Context, joints []int) error {
	d.mu.Lock()
	if d.adapter == nil || d.state != Enabled {
		d.mu.Unlock()
		log.Printf("can: homing skipped, driver not enabled")
		return nil
	}
	if d.pool == nil || d.pool.Closed() {
		d.pool = newPool(NumJoints)
	}
	p := d.pool
	d.mu.Unlock()

	var independent []int
	home4, home5 := false, false
	seen := map[int]bool{}
	for _, j := range joints {
		if j < 0 || j >= NumJoints {
			return fmt.Errorf("home: joint %d out of range", j)
		}
		if seen[j] {
			continue
		}
		seen[j] = true
		switch j {
		case 4:
			home4 = true
		case 5:
			home5 = true
		default:
			independent = append(independent, j)
		}
	}

	var tasks []*task
	for _, j := range independent {
		j := j
		t, ok := p.Submit(func() {
			if err := d.homeIndependent(ctx, j); err != nil {
				log.Printf("can: homing joint %d failed: %v", j, err)
			}
		})
		if !ok {
			log.Printf("can: dispatch pool rejected homing for joint %d", j)
			continue
		}
		tasks = append(tasks, t)
	}

	if home4 || home5 {
		t, ok := p.Submit(func() {
			// The two coupled routines must never interleave.
			if home4 {
				if err := d.homeCoupledOpposite(ctx); err != nil {
					log.Printf("can: coupled homing (axis 4) failed: %v", err)
				}
			}
			if home5 {
				if err := d.homeCoupledSame(ctx); err != nil {
					log.Printf("can: coupled homing (axis 5) failed: %v", err)
				}
			}
		})
		if ok {
			tasks = append(tasks, t)
		} else {
			log.Printf("can: dispatch pool rejected coupled homing")
		}
	}

	for _, t := range tasks {
		t.Wait()
	}
	return nil
}

// homeIndependent drives one axis to its hardware home switch, applies the
// configured signed offset, and zeroes the encoder.
func (d *CanDriver) homeIndependent(ctx context.Context, joint int) error {
	d.mu.Lock()
	s := d.servos[joint]
	mc := d.motors[joint]
	d.mu.Unlock()
	if s == nil {
		return fmt.Errorf("no servo for joint %d", joint)
	}

	ctx, cancel := context.WithTimeout(ctx, homeTimeout)
	defer cancel()

	if err := s.GoHome(ctx); err != nil {
		return err
	}
	if err := s.WaitIdle(ctx, homePoll); err != nil {
		return err
	}
	if mc.HomeOffset != 0 {
		if _, err := s.RunRelativeMotion(ctx, uint16(mc.HomeSpeed), uint8(mc.Acceleration), signedOffset(mc)); err != nil {
			return err
		}
		if err := s.WaitIdle(ctx, homePoll); err != nil {
			return err
		}
	}
	return s.SetAxisZero(ctx)
}

// homeCoupledOpposite homes axis 4: both wrist motors run in opposite
// directions until motor 4's own endstop trips, then both stop, motor 4's
// offset is applied to both (negated on motor 5), and both encoders zero.
func (d *CanDriver) homeCoupledOpposite(ctx context.Context) error {
	d.mu.Lock()
	s4, s5 := d.servos[4], d.servos[5]
	mc4 := d.motors[4]
	d.mu.Unlock()
	if s4 == nil || s5 == nil {
		return fmt.Errorf("wrist servos not enabled")
	}

	dir4 := homeDir(mc4)
	off := signedOffset(mc4)
	return d.runCoupledRoutine(ctx, s4, s5, dir4, oppositeDir(dir4), s4, mc4, off, -off)
}

// homeCoupledSame homes axis 5: both wrist motors run in the same
// direction until motor 5's endstop trips, then motor 5's offset is
// applied to both, negated identically, and both encoders zero.
func (d *CanDriver) homeCoupledSame(ctx context.Context) error {
	d.mu.Lock()
	s4, s5 := d.servos[4], d.servos[5]
	mc5 := d.motors[5]
	d.mu.Unlock()
	if s4 == nil || s5 == nil {
		return fmt.Errorf("wrist servos not enabled")
	}

	dir := homeDir(mc5)
	off := -signedOffset(mc5)
	return d.runCoupledRoutine(ctx, s4, s5, dir, dir, s5, mc5, off, off)
}

// runCoupledRoutine is the shared body of the two wrist homing routines:
// spin both motors, poll the reference motor's endstop, stop, offset, zero.
func (d *CanDriver) runCoupledRoutine(ctx context.Context, s4, s5 *mks.Servo, dir4, dir5 mks.Direction, ref *mks.Servo, refCfg config.MotorConfig, off4, off5 int32) error {
	ctx, cancel := context.WithTimeout(ctx, homeTimeout)
	defer cancel()

	speed := uint16(refCfg.HomeSpeed)
	accel := uint8(refCfg.Acceleration)

	if err := s4.RunSpeedMode(ctx, dir4, speed, accel); err != nil {
		return fmt.Errorf("start motor 4: %w", err)
	}
	if err := s5.RunSpeedMode(ctx, dir5, speed, accel); err != nil {
		s4.StopSpeedMode(ctx, stopAccel)
		return fmt.Errorf("start motor 5: %w", err)
	}

	err := d.waitForEndstop(ctx, ref, refCfg)
	if stopErr := s4.StopSpeedMode(ctx, stopAccel); stopErr != nil {
		log.Printf("can: stop motor 4 after homing run: %v", stopErr)
	}
	if stopErr := s5.StopSpeedMode(ctx, stopAccel); stopErr != nil {
		log.Printf("can: stop motor 5 after homing run: %v", stopErr)
	}
	if err != nil {
		return err
	}

	if off4 != 0 || off5 != 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if _, err := s4.RunRelativeMotion(gctx, speed, accel, off4); err != nil {
				return err
			}
			return s4.WaitIdle(gctx, homePoll)
		})
		g.Go(func() error {
			if _, err := s5.RunRelativeMotion(gctx, speed, accel, off5); err != nil {
				return err
			}
			return s5.WaitIdle(gctx, homePoll)
		})
		if err := g.Wait(); err != nil {
			return fmt.Errorf("offset move: %w", err)
		}
	}

	if err := s4.SetAxisZero(ctx); err != nil {
		return err
	}
	return s5.SetAxisZero(ctx)
}

// waitForEndstop polls the motor's IO port until either endstop trips.
func (d *CanDriver) waitForEndstop(ctx context.Context, s *mks.Servo, mc config.MotorConfig) error {
	ticker := time.NewTicker(endstopPoll)
	defer ticker.Stop()
	for {
		io, err := s.ReadIOStatus(ctx)
		if err == nil {
			lp := decodeLimits(mc, io)
			if lp.Low || lp.High {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("endstop wait on motor %d: %w", mc.ID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// OpenGripper fully opens the gripper.
func (d *CanDriver) OpenGripper() error { return d.SetGripperPosition(1.0) }

// CloseGripper fully closes the gripper.
func (d *CanDriver) CloseGripper() error { return d.SetGripperPosition(0.0) }

// SetGripperPosition maps an open fraction in [0,1] onto the single-byte
// gripper bus message.
func (d *CanDriver) SetGripperPosition(pos float64) error {
	pos = math.Max(0, math.Min(1, pos))
	d.mu.Lock()
	adapter := d.adapter
	id := d.gripperID
	d.gripperPos = pos
	d.mu.Unlock()
	if adapter == nil {
		log.Printf("can: gripper command ignored, no bus")
		return nil
	}
	b := byte(math.Round(pos * 255))
	if err := adapter.Send(bus.Frame{ID: id, Data: []byte{b}}); err != nil {
		return fmt.Errorf("gripper: %w", err)
	}
	return nil
}

// StartJointVelocity jogs a joint at a fraction of its configured speed.
// Coupled joints drive both wrist motors.
func (d *CanDriver) StartJointVelocity(joint int, scale float64) error {
	if joint < 0 || joint >= NumJoints {
		return fmt.Errorf("velocity: joint %d out of range", joint)
	}
	if scale == 0 {
		return d.StopJointVelocity(joint)
	}

	d.mu.Lock()
	if d.adapter == nil || d.state != Enabled {
		d.mu.Unlock()
		log.Printf("can: velocity command ignored, driver not enabled")
		return nil
	}
	moves := d.velocityMovesLocked(joint, scale)
	d.mu.Unlock()

	// Deny the whole jog if any leg would run toward a tripped coupled
	// endstop: moving one wrist motor alone would fight the differential.
	for _, mv := range moves {
		if !d.allowMotion(mv.motor, mv.dir) {
			log.Printf("can: jog on joint %d denied, coupled endstop tripped", joint)
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	for _, mv := range moves {
		if err := mv.servo.RunSpeedMode(ctx, mv.dir, mv.speed, uint8(mv.accel)); err != nil {
			return fmt.Errorf("velocity on motor %d: %w", mv.id, err)
		}
		d.mu.Lock()
		d.velocityActive[mv.motor] = true
		d.velocityDir[mv.motor] = mv.dir
		d.mu.Unlock()
	}
	return nil
}

type velocityMove struct {
	motor int
	id    int
	servo *mks.Servo
	dir   mks.Direction
	speed uint16
	accel int
}

// velocityMovesLocked resolves which motors a joint jog drives, and in
// which wire direction. Caller holds d.mu.
func (d *CanDriver) velocityMovesLocked(joint int, scale float64) []velocityMove {
	positive := scale > 0
	mag := math.Min(math.Abs(scale), 1.0)

	type leg struct {
		motor    int
		positive bool
	}
	var legs []leg
	switch {
	case d.coupled && joint == 4:
		// j4 = (m4 - m5) / 2: roll drives the motors against each other.
		legs = []leg{{4, positive}, {5, !positive}}
	case d.coupled && joint == 5:
		// j5 = (m4 + m5) / 2: pitch drives them together.
		legs = []leg{{4, positive}, {5, positive}}
	default:
		legs = []leg{{joint, positive}}
	}

	var moves []velocityMove
	for _, l := range legs {
		s := d.servos[l.motor]
		if s == nil {
			continue
		}
		mc := d.motors[l.motor]
		pos := l.positive
		if mc.Inverted {
			pos = !pos
		}
		dir := mks.CW
		if !pos {
			dir = mks.CCW
		}
		speed := uint16(math.Max(1, mag*float64(mc.Speed)))
		moves = append(moves, velocityMove{
			motor: l.motor,
			id:    mc.ID,
			servo: s,
			dir:   dir,
			speed: speed,
			accel: mc.Acceleration,
		})
	}
	return moves
}

// StopJointVelocity stops a jog started by StartJointVelocity.
func (d *CanDriver) StopJointVelocity(joint int) error {
	if joint < 0 || joint >= NumJoints {
		return fmt.Errorf("velocity: joint %d out of range", joint)
	}
	d.mu.Lock()
	var motorsToStop []int
	if d.coupled && (joint == 4 || joint == 5) {
		motorsToStop = []int{4, 5}
	} else {
		motorsToStop = []int{joint}
	}
	type stopOrder struct {
		servo *mks.Servo
		motor int
		id    int
	}
	var stops []stopOrder
	for _, m := range motorsToStop {
		if s := d.servos[m]; s != nil && d.velocityActive[m] {
			stops = append(stops, stopOrder{s, m, d.motors[m].ID})
		}
		d.velocityActive[m] = false
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	for _, so := range stops {
		if err := so.servo.StopSpeedMode(ctx, stopAccel); err != nil {
			log.Printf("can: stop jog on motor %d: %v", so.id, err)
		}
	}
	return nil
}

// Feedback polls every motor once and assembles a joint-space snapshot.
// Read failures substitute safe defaults; the snapshot is always returned.
func (d *CanDriver) Feedback() Snapshot {
	d.mu.Lock()
	adapter := d.adapter
	servos := d.servos
	motors := d.motors
	coupled := d.coupled
	res := d.encoderRes
	prevLimits := d.lastLimits
	snap := d.lastSnap
	snap.Gripper = d.gripperPos
	inv := d.invertedSet()
	d.mu.Unlock()

	if adapter == nil {
		return snap
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var motorAngles, motorVels, motorErrs [NumJoints]float64
	var encoders [NumJoints]int64
	limits := prevLimits
	for i, s := range servos {
		if s == nil {
			continue
		}
		mc := motors[i]

		enc, err := s.ReadEncoder(ctx)
		if err != nil {
			log.Printf("can: encoder read on motor %d failed, using 0: %v", mc.ID, err)
			enc = 0
		}
		encoders[i] = enc
		motorAngles[i] = d.encoderToAngle(enc, mc, res)

		if rpm, err := s.ReadSpeed(ctx); err == nil {
			motorVels[i] = float64(rpm) * 2 * math.Pi / 60 / mc.GearRatio
		}
		if shaftErr, err := s.ReadShaftError(ctx); err == nil {
			motorErrs[i] = float64(shaftErr) / float64(res) * 2 * math.Pi
		}
		if io, err := s.ReadIOStatus(ctx); err == nil {
			limits[i] = decodeLimits(mc, io)
		}
	}

	out := Snapshot{
		Q:          motorToJoint(motorAngles, coupled, inv),
		DQ:         motorToJoint(motorVels, coupled, inv),
		Encoders:   encoders,
		ShaftError: motorErrs,
		Limits:     limits,
		Gripper:    snap.Gripper,
		Stamp:      time.Now(),
	}

	d.mu.Lock()
	d.lastPositions = motorAngles
	d.lastSnap = out
	d.mu.Unlock()
	return out
}

// EStop sends an emergency stop to every motor, best-effort, and cancels
// any queued dispatch.
func (d *CanDriver) EStop() error {
	d.mu.Lock()
	for _, t := range d.pending {
		t.Cancel()
	}
	d.pending = nil
	servos := d.servos
	motors := d.motors
	adapter := d.adapter
	d.velocityActive = [NumJoints]bool{}
	d.mu.Unlock()

	if adapter == nil {
		log.Printf("can: estop with no bus, nothing to stop")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, s := range servos {
		if s == nil {
			continue
		}
		if err := s.EmergencyStop(ctx); err != nil {
			log.Printf("can: emergency stop on motor %d failed: %v", motors[i].ID, err)
		}
	}
	return nil
}

// decodeLimits extracts the endstop pair from the IO port byte. The
// switches are wired active-low by default: a set bit means not tripped.
func decodeLimits(mc config.MotorConfig, io byte) LimitPair {
	bit := func(n uint) bool { return io&(1<<n) != 0 }
	if mc.EndstopActiveHigh {
		return LimitPair{Low: bit(0), High: bit(1)}
	}
	return LimitPair{Low: !bit(0), High: !bit(1)}
}

func signedOffset(mc config.MotorConfig) int32 {
	off := int32(mc.HomeOffset)
	if mc.HomeDirection < 0 {
		return -off
	}
	return off
}

func homeDir(mc config.MotorConfig) mks.Direction {
	if mc.HomeDirection < 0 {
		return mks.CCW
	}
	return mks.CW
}

func oppositeDir(d mks.Direction) mks.Direction {
	if d == mks.CW {
		return mks.CCW
	}
	return mks.CW
}
