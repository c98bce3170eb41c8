package modbus

import (
	"errors"
	"testing"
)

func TestDecodeInt32(t *testing.T) {
	tests := []struct {
		name string
		regs []uint16
		want int32
	}{
		{"zero", []uint16{0x0000, 0x0000}, 0},
		{"positive low word", []uint16{0x0000, 0x03E8}, 1000},
		{"positive high word", []uint16{0x0001, 0x0000}, 65536},
		{"max positive", []uint16{0x7FFF, 0xFFFF}, 2147483647},
		{"minus one", []uint16{0xFFFF, 0xFFFF}, -1},
		{"minus 1000", []uint16{0xFFFF, 0xFC18}, -1000},
		{"min negative", []uint16{0x8000, 0x0000}, -2147483648},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInt32(tt.regs)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeInt32(%v) = %d, want %d", tt.regs, got, tt.want)
			}
		})
	}
}

func TestDecodeInt32ShortInput(t *testing.T) {
	_, err := DecodeInt32([]uint16{0x0001})
	if !errors.Is(err, ErrDeviceProtocol) {
		t.Fatalf("expected ErrDeviceProtocol, got %v", err)
	}
}

func TestDecodeRegisters(t *testing.T) {
	got, err := DecodeRegisters([]byte{0x12, 0x34, 0xAB, 0xCD})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != 0x1234 || got[1] != 0xABCD {
		t.Errorf("got %#v", got)
	}

	if _, err := DecodeRegisters([]byte{0x01}); !errors.Is(err, ErrDeviceProtocol) {
		t.Errorf("odd payload: expected ErrDeviceProtocol, got %v", err)
	}
}

func TestValveBits(t *testing.T) {
	tests := []struct {
		left, right bool
		want        uint16
	}{
		{false, false, 0},
		{true, false, 1},
		{false, true, 2},
		{true, true, 3},
	}

	for _, tt := range tests {
		got := EncodeValveBits(tt.left, tt.right)
		if got != tt.want {
			t.Errorf("EncodeValveBits(%v, %v) = %d, want %d", tt.left, tt.right, got, tt.want)
		}
		l, r := DecodeValveBits(got)
		if l != tt.left || r != tt.right {
			t.Errorf("DecodeValveBits(%d) = (%v, %v)", got, l, r)
		}
	}
}

func TestGramsToKilograms(t *testing.T) {
	if got := GramsToKilograms(1500); got != 1.5 {
		t.Errorf("got %v, want 1.5", got)
	}
	if got := GramsToKilograms(-250); got != -0.25 {
		t.Errorf("got %v, want -0.25", got)
	}
}
