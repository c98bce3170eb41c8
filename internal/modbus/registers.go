package modbus

import (
	"encoding/binary"
	"fmt"
)

// Register map der drei Feldgeräte
const (
	// Pump (VFD)
	RegPumpControl uint16 = 0x2000 // write single register, run/stop code
	RegPumpSpeed   uint16 = 0x2001 // write single register, Hz x 100
	RegPumpStatus  uint16 = 0x2002 // read

	// Scale
	RegScaleWeight   uint16 = 0x0000 // 32-bit long, high word first, grams
	scaleWeightWords uint16 = 2

	// Valves
	CoilLeftValve  uint16 = 0
	CoilRightValve uint16 = 1
	RegValveBank   uint16 = 0x0080 // bit0 left, bit1 right

	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

const (
	valveBitLeft  uint16 = 1 << 0
	valveBitRight uint16 = 1 << 1
)

// DecodeRegisters splits a big-endian holding register payload into words.
func DecodeRegisters(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd register payload length %d", ErrDeviceProtocol, len(data))
	}

	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
	}
	return registers, nil
}

// DecodeInt32 combines two registers (high word first) into a signed value.
// Values above 0x7FFFFFFF are negative (two's complement).
func DecodeInt32(registers []uint16) (int32, error) {
	if len(registers) < 2 {
		return 0, fmt.Errorf("%w: need 2 registers, got %d", ErrDeviceProtocol, len(registers))
	}
	raw := uint32(registers[0])<<16 | uint32(registers[1])
	return int32(raw), nil
}

// GramsToKilograms converts a raw scale reading to the kilograms the
// controller works in.
func GramsToKilograms(grams int32) float64 {
	return float64(grams) / 1000.0
}

// EncodeValveBits builds the combined valve register value (0..3).
func EncodeValveBits(left, right bool) uint16 {
	var v uint16
	if left {
		v |= valveBitLeft
	}
	if right {
		v |= valveBitRight
	}
	return v
}

// DecodeValveBits is the inverse of EncodeValveBits.
func DecodeValveBits(v uint16) (left, right bool) {
	return v&valveBitLeft != 0, v&valveBitRight != 0
}

func coilValue(on bool) uint16 {
	if on {
		return coilOn
	}
	return coilOff
}
