package mks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctos-robotics/armd/pkg/bus"
)

// respond builds a well-formed reply frame for the given servo address.
func respond(id uint32, cmd byte, payload ...byte) bus.Frame {
	return bus.Frame{ID: id, Data: buildFrame(id, cmd, payload)}
}

func TestChecksum(t *testing.T) {
	// Additive checksum over address and data bytes, low byte only.
	assert.Equal(t, byte(0x01+0xF3+0x01), checksum(1, []byte{0xF3, 0x01}))
	assert.Equal(t, byte((0xFF+0xFF+0x06)&0xFF), checksum(0xFF, []byte{0xFF, 0x06}))
}

func TestEnableRoundTrip(t *testing.T) {
	m := bus.NewMock(func(f bus.Frame) []bus.Frame {
		require.Equal(t, byte(0xF3), f.Data[0])
		require.Equal(t, byte(1), f.Data[1])
		return []bus.Frame{respond(f.ID, 0xF3, 1)}
	})
	defer m.Close()

	s := NewServo(m, 3)
	defer s.Close()
	require.NoError(t, s.Enable(context.Background(), true))
}

func TestAbsoluteMotionEncoding(t *testing.T) {
	var sent []byte
	m := bus.NewMock(func(f bus.Frame) []bus.Frame {
		sent = append([]byte(nil), f.Data...)
		return []bus.Frame{respond(f.ID, 0xF5, byte(RunStarting))}
	})
	defer m.Close()

	s := NewServo(m, 1)
	defer s.Close()

	res, err := s.RunAbsoluteMotion(context.Background(), 500, 150, -4096)
	require.NoError(t, err)
	assert.Equal(t, RunStarting, res)

	// cmd, speed hi/lo, accel, 24-bit axis, checksum
	require.Len(t, sent, 8)
	assert.Equal(t, byte(0xF5), sent[0])
	assert.Equal(t, byte(500>>8), sent[1])
	assert.Equal(t, byte(500&0xFF), sent[2])
	assert.Equal(t, byte(150), sent[3])
	// -4096 as signed 24-bit big endian
	assert.Equal(t, []byte{0xFF, 0xF0, 0x00}, sent[4:7])
	assert.Equal(t, checksum(1, sent[:7]), sent[7])
}

func TestSpeedModeDirectionBit(t *testing.T) {
	var frames [][]byte
	m := bus.NewMock(func(f bus.Frame) []bus.Frame {
		frames = append(frames, append([]byte(nil), f.Data...))
		return []bus.Frame{respond(f.ID, 0xF6, 1)}
	})
	defer m.Close()

	s := NewServo(m, 5)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.RunSpeedMode(ctx, CW, 0x123, 10))
	require.NoError(t, s.RunSpeedMode(ctx, CCW, 0x123, 10))
	require.NoError(t, s.StopSpeedMode(ctx, 10))

	assert.Equal(t, byte(0x01), frames[0][1], "CW keeps bit7 clear")
	assert.Equal(t, byte(0x81), frames[1][1], "CCW sets bit7")
	assert.Equal(t, byte(0x23), frames[0][2])
	assert.Equal(t, byte(0x00), frames[2][1], "stop carries zero speed")
	assert.Equal(t, byte(0x00), frames[2][2])
}

func TestReadEncoderSigned(t *testing.T) {
	m := bus.NewMock(func(f bus.Frame) []bus.Frame {
		// -1 as 48-bit value
		return []bus.Frame{respond(f.ID, 0x31, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)}
	})
	defer m.Close()

	s := NewServo(m, 2)
	defer s.Close()

	v, err := s.ReadEncoder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)
}

func TestReadSpeedAndShaftError(t *testing.T) {
	m := bus.NewMock(func(f bus.Frame) []bus.Frame {
		switch f.Data[0] {
		case 0x32:
			return []bus.Frame{respond(f.ID, 0x32, 0xFF, 0x9C)} // -100 rpm
		case 0x39:
			return []bus.Frame{respond(f.ID, 0x39, 0x00, 0x00, 0x01, 0x00)} // 256
		}
		return nil
	})
	defer m.Close()

	s := NewServo(m, 4)
	defer s.Close()
	ctx := context.Background()

	rpm, err := s.ReadSpeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, -100, rpm)

	shaftErr, err := s.ReadShaftError(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(256), shaftErr)
}

func TestRequestTimeout(t *testing.T) {
	m := bus.NewMock(nil) // device never answers
	defer m.Close()

	s := NewServo(m, 6)
	defer s.Close()
	s.timeout = 20 * time.Millisecond

	_, err := s.Status(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCorruptChecksumIgnored(t *testing.T) {
	m := bus.NewMock(func(f bus.Frame) []bus.Frame {
		bad := respond(f.ID, 0xF1, byte(StatusStopped))
		bad.Data[len(bad.Data)-1] ^= 0xFF
		return []bus.Frame{bad}
	})
	defer m.Close()

	s := NewServo(m, 1)
	defer s.Close()
	s.timeout = 20 * time.Millisecond

	// The corrupt frame must not be accepted as an answer.
	_, err := s.Status(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestContextCancelUnblocksRequest(t *testing.T) {
	m := bus.NewMock(nil)
	defer m.Close()

	s := NewServo(m, 1)
	defer s.Close()
	s.timeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := s.Status(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
