package modbus

import (
	"context"
	"encoding/binary"
	"sync"
)

type busCall struct {
	fn      string
	address uint16
	value   uint16
}

// fakeBus is an in-memory slave with scripted failures.
type fakeBus struct {
	mu        sync.Mutex
	registers map[uint16]uint16
	coils     map[uint16]uint16
	calls     []busCall
	failNext  []error
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		registers: make(map[uint16]uint16),
		coils:     make(map[uint16]uint16),
	}
}

func (f *fakeBus) fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = append(f.failNext, errs...)
}

func (f *fakeBus) popFailure() error {
	if len(f.failNext) == 0 {
		return nil
	}
	err := f.failNext[0]
	f.failNext = f.failNext[1:]
	return err
}

func (f *fakeBus) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, busCall{fn: "read", address: address, value: quantity})
	if err := f.popFailure(); err != nil {
		return nil, err
	}

	out := make([]byte, quantity*2)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[i*2:], f.registers[address+i])
	}
	return out, nil
}

func (f *fakeBus) WriteSingleRegister(ctx context.Context, address, value uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, busCall{fn: "write_register", address: address, value: value})
	if err := f.popFailure(); err != nil {
		return nil, err
	}
	f.registers[address] = value
	return []byte{byte(value >> 8), byte(value)}, nil
}

func (f *fakeBus) WriteSingleCoil(ctx context.Context, address, value uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, busCall{fn: "write_coil", address: address, value: value})
	if err := f.popFailure(); err != nil {
		return nil, err
	}
	f.coils[address] = value
	return []byte{byte(value >> 8), byte(value)}, nil
}

func (f *fakeBus) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBus) lastCall() busCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return busCall{}
	}
	return f.calls[len(f.calls)-1]
}

// setWeightGrams stores a signed 32-bit gram value at the scale register.
func (f *fakeBus) setWeightGrams(g int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := uint32(g)
	f.registers[RegScaleWeight] = uint16(raw >> 16)
	f.registers[RegScaleWeight+1] = uint16(raw)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "serial: read deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
