package modbus

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type Valve string

const (
	ValveLeft  Valve = "left"
	ValveRight Valve = "right"
	ValveBoth  Valve = "both"
)

type ValveAction string

const (
	ValveOpen  ValveAction = "open"
	ValveClose ValveAction = "close"
)

// ValveWriteMode selects how the valve bank is addressed.
type ValveWriteMode string

const (
	// ValveWriteRegister writes both valves in one 0x0080 register write.
	ValveWriteRegister ValveWriteMode = "register"
	// ValveWriteCoils writes coil 0 and coil 1 separately.
	ValveWriteCoils ValveWriteMode = "coils"
)

// Gateway is the only path from the machine logic to the field devices.
type Gateway struct {
	logger *zap.Logger

	pump   *Device
	scale  *Device
	valves *Device

	valveMode ValveWriteMode

	// guarded by scale.mu (only touched inside scale.Do)
	weights window

	// guarded by valves.mu
	leftOpen  bool
	rightOpen bool
}

func NewGateway(logger *zap.Logger, pump, scale, valves *Device, valveMode ValveWriteMode) *Gateway {
	if valveMode == "" {
		valveMode = ValveWriteRegister
	}
	return &Gateway{
		logger:    logger,
		pump:      pump,
		scale:     scale,
		valves:    valves,
		valveMode: valveMode,
	}
}

// Init schließt beide Ventile. Fehler werden nur geloggt.
func (g *Gateway) Init(ctx context.Context) {
	if err := g.SetValves(ctx, false, false); err != nil {
		g.logger.Warn("Failed to close valves on init", zap.Error(err))
		return
	}
	g.logger.Info("Valves closed on init")
}

// ReadWeight liest die Waage und liefert den gleitenden Mittelwert in kg.
func (g *Gateway) ReadWeight(ctx context.Context) (float64, error) {
	var mean float64

	err := g.scale.Do(ctx, "read weight", func(ctx context.Context, bus Bus) error {
		data, err := bus.ReadHoldingRegisters(ctx, RegScaleWeight, scaleWeightWords)
		if err != nil {
			return err
		}
		registers, err := DecodeRegisters(data)
		if err != nil {
			return err
		}
		grams, err := DecodeInt32(registers)
		if err != nil {
			return err
		}
		mean = g.weights.push(GramsToKilograms(grams))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return mean, nil
}

func (g *Gateway) SetPumpState(ctx context.Context, code uint16) error {
	return g.pump.Do(ctx, "set pump state", func(ctx context.Context, bus Bus) error {
		_, err := bus.WriteSingleRegister(ctx, RegPumpControl, code)
		return err
	})
}

// SetPumpSpeed expects units already scaled (Hz x 100).
func (g *Gateway) SetPumpSpeed(ctx context.Context, units uint16) error {
	return g.pump.Do(ctx, "set pump speed", func(ctx context.Context, bus Bus) error {
		_, err := bus.WriteSingleRegister(ctx, RegPumpSpeed, units)
		return err
	})
}

func (g *Gateway) ReadPumpStatus(ctx context.Context) (uint16, error) {
	var status uint16

	err := g.pump.Do(ctx, "read pump status", func(ctx context.Context, bus Bus) error {
		data, err := bus.ReadHoldingRegisters(ctx, RegPumpStatus, 1)
		if err != nil {
			return err
		}
		registers, err := DecodeRegisters(data)
		if err != nil {
			return err
		}
		if len(registers) < 1 {
			return fmt.Errorf("%w: empty status response", ErrDeviceProtocol)
		}
		status = registers[0]
		return nil
	})
	return status, err
}

// SetValve changes one side (or both) and writes the resulting valve state.
func (g *Gateway) SetValve(ctx context.Context, which Valve, action ValveAction) error {
	var open bool
	switch action {
	case ValveOpen:
		open = true
	case ValveClose:
		open = false
	default:
		return &DeviceError{Device: g.valves.Name, Op: "set valve", Err: fmt.Errorf("%w: action %q", ErrInvalidCommand, action)}
	}

	switch which {
	case ValveLeft, ValveRight, ValveBoth:
	default:
		return &DeviceError{Device: g.valves.Name, Op: "set valve", Err: fmt.Errorf("%w: valve %q", ErrInvalidCommand, which)}
	}

	return g.valves.Do(ctx, "set valve", func(ctx context.Context, bus Bus) error {
		left, right := g.leftOpen, g.rightOpen
		if which == ValveLeft || which == ValveBoth {
			left = open
		}
		if which == ValveRight || which == ValveBoth {
			right = open
		}
		return g.writeValves(ctx, bus, left, right)
	})
}

// SetValves writes both sides in one transaction.
func (g *Gateway) SetValves(ctx context.Context, left, right bool) error {
	return g.valves.Do(ctx, "set valves", func(ctx context.Context, bus Bus) error {
		return g.writeValves(ctx, bus, left, right)
	})
}

// ValveState returns the last state successfully written.
func (g *Gateway) ValveState() (left, right bool) {
	g.valves.mu.Lock()
	defer g.valves.mu.Unlock()
	return g.leftOpen, g.rightOpen
}

func (g *Gateway) writeValves(ctx context.Context, bus Bus, left, right bool) error {
	switch g.valveMode {
	case ValveWriteCoils:
		if _, err := bus.WriteSingleCoil(ctx, CoilLeftValve, coilValue(left)); err != nil {
			return err
		}
		g.leftOpen = left
		if _, err := bus.WriteSingleCoil(ctx, CoilRightValve, coilValue(right)); err != nil {
			return err
		}
		g.rightOpen = right
	default:
		if _, err := bus.WriteSingleRegister(ctx, RegValveBank, EncodeValveBits(left, right)); err != nil {
			return err
		}
		g.leftOpen, g.rightOpen = left, right
	}
	return nil
}
