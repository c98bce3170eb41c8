package system

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenFillCore/internal/gpio"
	"github.com/KevinKickass/OpenFillCore/internal/machine"
	"github.com/KevinKickass/OpenFillCore/internal/modbus"
)

// Loop names as registered with the watchdog.
const (
	loopPump      = "pump"
	loopValves    = "valves"
	loopScale     = "scale"
	loopTelemetry = "telemetry"
	loopButtons   = "buttons"
)

// outputSource is the command owner as seen by the writers.
type outputSource interface {
	Snapshot() machine.CommandState
}

// pumpReassertCycles is how many unchanged cycles pass before the pump
// command is written again regardless of what the drive reports.
const pumpReassertCycles = 50

// pumpWriter pushes the pump part of the command state to the drive. On
// change it writes; otherwise it reads the status word, which proves the
// drive answers and is handed to the sink. A zero status while the pump
// should run means the drive lost its command (power blip, local panel)
// and the command is written again, as it is every pumpReassertCycles.
type pumpWriter struct {
	gw          *modbus.Gateway
	outputs     outputSource
	runCommand  uint16
	stopCommand uint16
	sink        interface{ UpdateDriveStatus(word uint16) }
	logger      *zap.Logger

	written  bool
	running  bool
	units    uint16
	idle     int
	mismatch bool
}

func (w *pumpWriter) poll(ctx context.Context) error {
	out := w.outputs.Snapshot()
	if w.written && out.PumpRunning == w.running && out.PumpSpeedUnits == w.units {
		status, err := w.gw.ReadPumpStatus(ctx)
		if err != nil {
			return err
		}
		if w.sink != nil {
			w.sink.UpdateDriveStatus(status)
		}

		stopped := out.PumpRunning && status == 0
		if stopped && !w.mismatch {
			w.logger.Warn("Drive reports stopped while commanded to run, rewriting command",
				zap.Uint16("speed_units", out.PumpSpeedUnits))
		}
		w.mismatch = stopped

		w.idle++
		if !stopped && w.idle < pumpReassertCycles {
			return nil
		}
	}
	w.idle = 0

	// start: command first, then speed; stop: speed to zero, then command
	if out.PumpRunning {
		if err := w.gw.SetPumpState(ctx, w.runCommand); err != nil {
			return err
		}
		if err := w.gw.SetPumpSpeed(ctx, out.PumpSpeedUnits); err != nil {
			return err
		}
	} else {
		if err := w.gw.SetPumpSpeed(ctx, 0); err != nil {
			return err
		}
		if err := w.gw.SetPumpState(ctx, w.stopCommand); err != nil {
			return err
		}
	}

	if !w.written || out.PumpRunning != w.running {
		w.logger.Debug("Pump command written",
			zap.Bool("running", out.PumpRunning),
			zap.Uint16("speed_units", out.PumpSpeedUnits))
	}
	w.written = true
	w.running = out.PumpRunning
	w.units = out.PumpSpeedUnits
	return nil
}

// valveWriter re-asserts both valves every cycle in one transaction.
type valveWriter struct {
	gw      *modbus.Gateway
	outputs outputSource
}

func (w *valveWriter) poll(ctx context.Context) error {
	out := w.outputs.Snapshot()
	return w.gw.SetValves(ctx, out.LeftValveOpen, out.RightValveOpen)
}

// scaleReader feeds the smoothed weight into the controller. A failed read
// leaves the previous sample in place.
type scaleReader struct {
	gw   *modbus.Gateway
	sink interface{ UpdateWeight(mass float64) }
}

func (r *scaleReader) poll(ctx context.Context) error {
	mass, err := r.gw.ReadWeight(ctx)
	if err != nil {
		return err
	}
	r.sink.UpdateWeight(mass)
	return nil
}

// buttonHandler maps debounced button edges onto top-up holds.
func buttonHandler(ctx context.Context, arbiter *machine.Arbiter, logger *zap.Logger) func(gpio.Event) {
	return func(ev gpio.Event) {
		side := machine.SideLeft
		if ev.Button == gpio.ButtonRight {
			side = machine.SideRight
		}

		var err error
		if ev.Pressed {
			_, err = arbiter.StartTopUp(ctx, side, machine.TriggerButton)
		} else {
			_, err = arbiter.StopTopUp(ctx, side, machine.TriggerButton)
		}
		if err != nil && ctx.Err() == nil {
			logger.Warn("Button top-up failed",
				zap.String("side", string(side)),
				zap.Bool("pressed", ev.Pressed),
				zap.Error(err))
		}
	}
}

// finalWrite forces the hardware into the safe state: speed 0, stop
// command, both valves closed. Every step is attempted.
func finalWrite(ctx context.Context, gw *modbus.Gateway, stopCommand uint16) error {
	var errs []error
	if err := gw.SetPumpSpeed(ctx, 0); err != nil {
		errs = append(errs, fmt.Errorf("pump speed: %w", err))
	}
	if err := gw.SetPumpState(ctx, stopCommand); err != nil {
		errs = append(errs, fmt.Errorf("pump stop: %w", err))
	}
	if err := gw.SetValves(ctx, false, false); err != nil {
		errs = append(errs, fmt.Errorf("valves: %w", err))
	}
	return errors.Join(errs...)
}
