package system

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

type busCall struct {
	fn      string
	address uint16
	value   uint16
}

// recordingBus answers every request and keeps the call order.
type recordingBus struct {
	mu        sync.Mutex
	registers map[uint16]uint16
	calls     []busCall
	failWrite error
}

func newRecordingBus() *recordingBus {
	return &recordingBus{registers: make(map[uint16]uint16)}
}

func (b *recordingBus) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, busCall{fn: "read", address: address, value: quantity})

	out := make([]byte, quantity*2)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[i*2:], b.registers[address+i])
	}
	return out, nil
}

func (b *recordingBus) WriteSingleRegister(ctx context.Context, address, value uint16) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, busCall{fn: "write_register", address: address, value: value})
	if b.failWrite != nil {
		return nil, b.failWrite
	}
	b.registers[address] = value
	return []byte{byte(value >> 8), byte(value)}, nil
}

func (b *recordingBus) WriteSingleCoil(ctx context.Context, address, value uint16) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, busCall{fn: "write_coil", address: address, value: value})
	if b.failWrite != nil {
		return nil, b.failWrite
	}
	return []byte{byte(value >> 8), byte(value)}, nil
}

// setWeight stores grams as the scale's 32-bit register pair.
func (b *recordingBus) setWeight(grams int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registers[0] = uint16(uint32(grams) >> 16)
	b.registers[1] = uint16(uint32(grams))
}

// setRegister changes a register behind the writers' back.
func (b *recordingBus) setRegister(address, value uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registers[address] = value
}

func (b *recordingBus) register(address uint16) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registers[address]
}

func (b *recordingBus) takeCalls() []busCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.calls
	b.calls = nil
	return out
}

func (b *recordingBus) setFailWrite(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWrite = err
}

var errLineDown = errors.New("line down")

// staticOutputs stands in for the actuator.
type staticOutputs struct {
	mu  sync.Mutex
	out machine.CommandState
}

func (o *staticOutputs) set(out machine.CommandState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.out = out
}

func (o *staticOutputs) Snapshot() machine.CommandState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.out
}
