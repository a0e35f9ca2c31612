// Package mks implements the CAN protocol spoken by the MKS SERVO42D/57D
// closed-loop stepper drivers used on the arm. Each motor answers on its
// own CAN address; every frame starts with a command byte and ends with an
// additive checksum over the address and data bytes.
package mks

import "fmt"

// Command bytes.
const (
	cmdReadEncoderCarry    = 0x30
	cmdReadEncoderAddition = 0x31
	cmdReadSpeed           = 0x32
	cmdReadIOStatus        = 0x34
	cmdReadShaftError      = 0x39
	cmdSetWorkMode         = 0x82
	cmdGoHome              = 0x91
	cmdSetAxisZero         = 0x92
	cmdSetLimitRemap       = 0x9E
	cmdQueryStatus         = 0xF1
	cmdEnable              = 0xF3
	cmdRelativeMotionAxis  = 0xF4
	cmdAbsoluteMotionAxis  = 0xF5
	cmdSpeedMode           = 0xF6
	cmdEmergencyStop       = 0xF7
)

// MotorStatus is the response to a status query.
type MotorStatus byte

const (
	StatusReadFail MotorStatus = iota
	StatusStopped
	StatusSpeedUp
	StatusSpeedDown
	StatusFullSpeed
	StatusHoming
)

// RunResult is the immediate response to a motion command.
type RunResult byte

const (
	RunFail RunResult = iota
	RunStarting
	RunComplete
	RunEndLimit
)

// Direction of rotation as seen on the motor shaft.
type Direction byte

const (
	CW  Direction = 0
	CCW Direction = 1
)

// checksum is the additive MKS checksum: low byte of the sum of the CAN
// address and all data bytes before the checksum itself.
func checksum(id uint32, data []byte) byte {
	sum := uint32(id)
	for _, b := range data {
		sum += uint32(b)
	}
	return byte(sum)
}

// buildFrame appends the checksum to cmd+payload.
func buildFrame(id uint32, cmd byte, payload []byte) []byte {
	data := make([]byte, 0, len(payload)+2)
	data = append(data, cmd)
	data = append(data, payload...)
	data = append(data, checksum(id, data))
	return data
}

// verifyFrame checks length, command echo, and checksum of a response,
// returning the payload between the command byte and the checksum.
func verifyFrame(id uint32, cmd byte, data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("mks: short frame from %#x: % x", id, data)
	}
	if data[0] != cmd {
		return nil, fmt.Errorf("mks: unexpected reply %#x from %#x (want %#x)", data[0], id, cmd)
	}
	body, sum := data[:len(data)-1], data[len(data)-1]
	if got := checksum(id, body); got != sum {
		return nil, fmt.Errorf("mks: bad checksum from %#x: got %#x want %#x", id, sum, got)
	}
	return body[1:], nil
}

func putInt24(b []byte, v int32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

// int48 decodes a big-endian signed 48-bit value.
func int48(b []byte) int64 {
	v := int64(b[0])<<40 | int64(b[1])<<32 | int64(b[2])<<24 |
		int64(b[3])<<16 | int64(b[4])<<8 | int64(b[5])
	if b[0]&0x80 != 0 {
		v -= 1 << 48
	}
	return v
}

func int16be(b []byte) int16 {
	return int16(uint16(b[0])<<8 | uint16(b[1]))
}

func int32be(b []byte) int32 {
	return int32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}
