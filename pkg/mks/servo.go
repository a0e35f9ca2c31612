package mks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arctos-robotics/armd/pkg/bus"
)

// DefaultTimeout bounds a single request/response round trip on the bus.
const DefaultTimeout = 200 * time.Millisecond

// ErrTimeout is returned when a motor does not answer within the request
// timeout. The adapter layer owns this bound; callers decide whether a
// missing answer is fatal.
var ErrTimeout = errors.New("mks: request timed out")

// Servo is a handle to one motor on the bus. Requests on a single servo are
// serialized; distinct servos can be driven concurrently.
type Servo struct {
	adapter bus.Adapter
	id      uint32
	timeout time.Duration

	mu     sync.Mutex
	rx     <-chan bus.Frame
	cancel func()
}

// NewServo subscribes a servo handle at the given CAN address.
func NewServo(adapter bus.Adapter, id int) *Servo {
	rx, cancel := adapter.Subscribe(uint32(id))
	return &Servo{
		adapter: adapter,
		id:      uint32(id),
		timeout: DefaultTimeout,
		rx:      rx,
		cancel:  cancel,
	}
}

// ID returns the servo's CAN address.
func (s *Servo) ID() int { return int(s.id) }

// Close releases the bus subscription.
func (s *Servo) Close() {
	s.cancel()
}

// request sends cmd+payload and waits for the matching response.
func (s *Servo) request(ctx context.Context, cmd byte, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop any stale responses from an earlier timed-out request.
	for {
		select {
		case <-s.rx:
			continue
		default:
		}
		break
	}

	if err := s.adapter.Send(bus.Frame{ID: s.id, Data: buildFrame(s.id, cmd, payload)}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: servo %d cmd %#x", ErrTimeout, s.id, cmd)
		case f, ok := <-s.rx:
			if !ok {
				return nil, bus.ErrClosed
			}
			body, err := verifyFrame(s.id, cmd, f.Data)
			if err != nil {
				// Unrelated broadcast or corrupt frame, keep waiting.
				continue
			}
			return body, nil
		}
	}
}

// Enable switches motor torque on or off.
func (s *Servo) Enable(ctx context.Context, on bool) error {
	v := byte(0)
	if on {
		v = 1
	}
	body, err := s.request(ctx, cmdEnable, []byte{v})
	if err != nil {
		return err
	}
	if len(body) < 1 || body[0] != 1 {
		return fmt.Errorf("mks: servo %d enable rejected", s.id)
	}
	return nil
}

// Status queries the motor run state.
func (s *Servo) Status(ctx context.Context) (MotorStatus, error) {
	body, err := s.request(ctx, cmdQueryStatus, nil)
	if err != nil {
		return StatusReadFail, err
	}
	if len(body) < 1 {
		return StatusReadFail, fmt.Errorf("mks: servo %d empty status", s.id)
	}
	return MotorStatus(body[0]), nil
}

// IsRunning reports whether the motor is currently in motion.
func (s *Servo) IsRunning(ctx context.Context) (bool, error) {
	st, err := s.Status(ctx)
	if err != nil {
		return false, err
	}
	return st != StatusStopped && st != StatusReadFail, nil
}

// WaitIdle polls the motor status until it stops or ctx expires.
func (s *Servo) WaitIdle(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		running, err := s.IsRunning(ctx)
		if err == nil && !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunAbsoluteMotion moves the motor shaft to an absolute axis position in
// encoder counts at the given speed and acceleration.
func (s *Servo) RunAbsoluteMotion(ctx context.Context, speed uint16, accel uint8, axis int32) (RunResult, error) {
	payload := make([]byte, 6)
	putUint16(payload[0:2], speed)
	payload[2] = accel
	putInt24(payload[3:6], axis)
	body, err := s.request(ctx, cmdAbsoluteMotionAxis, payload)
	if err != nil {
		return RunFail, err
	}
	if len(body) < 1 {
		return RunFail, fmt.Errorf("mks: servo %d empty motion reply", s.id)
	}
	return RunResult(body[0]), nil
}

// RunRelativeMotion moves the motor shaft by a signed offset in encoder
// counts.
func (s *Servo) RunRelativeMotion(ctx context.Context, speed uint16, accel uint8, offset int32) (RunResult, error) {
	payload := make([]byte, 6)
	putUint16(payload[0:2], speed)
	payload[2] = accel
	putInt24(payload[3:6], offset)
	body, err := s.request(ctx, cmdRelativeMotionAxis, payload)
	if err != nil {
		return RunFail, err
	}
	if len(body) < 1 {
		return RunFail, fmt.Errorf("mks: servo %d empty motion reply", s.id)
	}
	return RunResult(body[0]), nil
}

// RunSpeedMode spins the motor continuously in the given direction. Speed
// is limited to 12 bits by the wire format.
func (s *Servo) RunSpeedMode(ctx context.Context, dir Direction, speed uint16, accel uint8) error {
	if speed > 0xFFF {
		speed = 0xFFF
	}
	b1 := byte(speed>>8) & 0x0F
	if dir == CCW {
		b1 |= 0x80
	}
	payload := []byte{b1, byte(speed), accel}
	body, err := s.request(ctx, cmdSpeedMode, payload)
	if err != nil {
		return err
	}
	if len(body) < 1 || body[0] != 1 {
		return fmt.Errorf("mks: servo %d speed mode rejected", s.id)
	}
	return nil
}

// StopSpeedMode decelerates a speed-mode motor to a stop.
func (s *Servo) StopSpeedMode(ctx context.Context, accel uint8) error {
	payload := []byte{0, 0, accel}
	body, err := s.request(ctx, cmdSpeedMode, payload)
	if err != nil {
		return err
	}
	if len(body) < 1 || body[0] != 1 {
		return fmt.Errorf("mks: servo %d stop rejected", s.id)
	}
	return nil
}

// EmergencyStop halts the motor immediately, abandoning any ramp.
func (s *Servo) EmergencyStop(ctx context.Context) error {
	body, err := s.request(ctx, cmdEmergencyStop, nil)
	if err != nil {
		return err
	}
	if len(body) < 1 || body[0] != 1 {
		return fmt.Errorf("mks: servo %d emergency stop rejected", s.id)
	}
	return nil
}

// GoHome starts the driver's built-in homing run toward the home switch.
// The reply only acknowledges the start; completion is observed via Status.
func (s *Servo) GoHome(ctx context.Context) error {
	body, err := s.request(ctx, cmdGoHome, nil)
	if err != nil {
		return err
	}
	if len(body) < 1 || body[0] == 0 {
		return fmt.Errorf("mks: servo %d go-home rejected", s.id)
	}
	return nil
}

// SetAxisZero zeroes the encoder at the current position.
func (s *Servo) SetAxisZero(ctx context.Context) error {
	body, err := s.request(ctx, cmdSetAxisZero, nil)
	if err != nil {
		return err
	}
	if len(body) < 1 || body[0] != 1 {
		return fmt.Errorf("mks: servo %d set-zero rejected", s.id)
	}
	return nil
}

// SetLimitRemap routes the limit-switch inputs to the motion controller so
// an endstop trip halts the motor in firmware.
func (s *Servo) SetLimitRemap(ctx context.Context, enable bool) error {
	v := byte(0)
	if enable {
		v = 1
	}
	body, err := s.request(ctx, cmdSetLimitRemap, []byte{v})
	if err != nil {
		return err
	}
	if len(body) < 1 || body[0] != 1 {
		return fmt.Errorf("mks: servo %d limit remap rejected", s.id)
	}
	return nil
}

// ReadEncoder returns the accumulated encoder value in counts.
func (s *Servo) ReadEncoder(ctx context.Context) (int64, error) {
	body, err := s.request(ctx, cmdReadEncoderAddition, nil)
	if err != nil {
		return 0, err
	}
	if len(body) < 6 {
		return 0, fmt.Errorf("mks: servo %d short encoder reply", s.id)
	}
	return int48(body[:6]), nil
}

// ReadSpeed returns the current shaft speed in RPM.
func (s *Servo) ReadSpeed(ctx context.Context) (int, error) {
	body, err := s.request(ctx, cmdReadSpeed, nil)
	if err != nil {
		return 0, err
	}
	if len(body) < 2 {
		return 0, fmt.Errorf("mks: servo %d short speed reply", s.id)
	}
	return int(int16be(body[:2])), nil
}

// ReadShaftError returns the closed-loop shaft angle error in counts.
func (s *Servo) ReadShaftError(ctx context.Context) (int32, error) {
	body, err := s.request(ctx, cmdReadShaftError, nil)
	if err != nil {
		return 0, err
	}
	if len(body) < 4 {
		return 0, fmt.Errorf("mks: servo %d short shaft-error reply", s.id)
	}
	return int32be(body[:4]), nil
}

// ReadIOStatus returns the raw IO port byte. Bits 0/1 are the IN_1/IN_2
// limit inputs; the switches are wired active-low, so a set bit means the
// endstop is NOT tripped.
func (s *Servo) ReadIOStatus(ctx context.Context) (byte, error) {
	body, err := s.request(ctx, cmdReadIOStatus, nil)
	if err != nil {
		return 0, err
	}
	if len(body) < 1 {
		return 0, fmt.Errorf("mks: servo %d empty io reply", s.id)
	}
	return body[0], nil
}
