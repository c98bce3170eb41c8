package telemetry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

// StatusSource provides the machine snapshot to publish.
type StatusSource interface {
	Status() machine.Status
}

// eventQueueSize bounds the events waiting for Run.
const eventQueueSize = 64

type event struct {
	kind    string
	publish func() error
}

// Reporter publishes the machine status periodically. State changes,
// health flips and completed pours are queued and published by Run as they
// happen, in order.
type Reporter struct {
	pub      Publisher
	source   StatusSource
	healthy  func() bool
	interval time.Duration
	logger   *zap.Logger
	events   chan event

	// OnSuccess is called after every complete publish (watchdog feed).
	OnSuccess func(name string)
}

func NewReporter(pub Publisher, source StatusSource, healthy func() bool, interval time.Duration, logger *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	if healthy == nil {
		healthy = func() bool { return true }
	}
	return &Reporter{
		pub:      pub,
		source:   source,
		healthy:  healthy,
		interval: interval,
		logger:   logger,
		events:   make(chan event, eventQueueSize),
	}
}

// StateChanged queues the fill state topics. It never blocks.
func (r *Reporter) StateChanged(state machine.State) {
	r.enqueue("state", func() error { return r.PublishState(state) })
}

// HealthChanged queues the health topic. It never blocks.
func (r *Reporter) HealthChanged(healthy bool) {
	r.enqueue("health", func() error {
		return r.pub.Publish(TopicHealthy, FormatValue(healthy))
	})
}

// PourCompleted queues the completion topics of rec. It never blocks.
func (r *Reporter) PourCompleted(rec machine.PourRecord) {
	r.enqueue("pour "+rec.ID.String(), func() error { return r.PublishPour(rec) })
}

func (r *Reporter) enqueue(kind string, publish func() error) {
	select {
	case r.events <- event{kind: kind, publish: publish}:
	default:
		r.logger.Warn("Telemetry event queue full, event dropped", zap.String("event", kind))
	}
}

func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case ev := <-r.events:
			r.publishEvent(ev)
			continue
		case <-ticker.C:
		}

		err := r.PublishStatus(r.source.Status(), r.healthy())
		switch {
		case err != nil && !failing:
			failing = true
			r.logger.Warn("Telemetry publish failed", zap.Error(err))
		case err == nil:
			if failing {
				failing = false
				r.logger.Info("Telemetry publish recovered")
			}
			if r.OnSuccess != nil {
				r.OnSuccess("telemetry")
			}
		}
	}
}

func (r *Reporter) publishEvent(ev event) {
	if err := ev.publish(); err != nil {
		r.logger.Warn("Telemetry event publish failed",
			zap.String("event", ev.kind),
			zap.Error(err))
		return
	}
	if r.OnSuccess != nil {
		r.OnSuccess("telemetry")
	}
}

// drain publishes what is still queued; the publisher is closed after Run
// returns.
func (r *Reporter) drain() {
	for {
		select {
		case ev := <-r.events:
			r.publishEvent(ev)
		default:
			return
		}
	}
}

// PublishStatus sends the periodic topics. All topics are attempted even
// if one fails.
func (r *Reporter) PublishStatus(s machine.Status, healthy bool) error {
	values := []struct {
		topic string
		value any
	}{
		{TopicActualWeight, s.Weight.Mass},
		{TopicVFDState, s.Commands.PumpRunning},
		{TopicVFDSpeed, float64(s.Commands.PumpSpeedUnits) / 100},
		{TopicVFDStatus, s.Drive},
		{TopicValve1State, s.Commands.LeftValveOpen},
		{TopicValve2State, s.Commands.RightValveOpen},
		{TopicFillStatus, s.StateCode},
		{TopicFillState, string(s.State)},
		{TopicHealthy, healthy},
		{TopicCleaning, s.Cleaning},
		{TopicHighSpeed, s.Speeds.Fast},
		{TopicLowSpeed, s.Speeds.Slow},
		{TopicDesiredVolume, s.DesiredVolume},
		{TopicTare, s.Cycle.TareWeight},
	}

	var errs []error
	for _, v := range values {
		if err := r.pub.Publish(v.topic, FormatValue(v.value)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishState sends the fill state topics.
func (r *Reporter) PublishState(state machine.State) error {
	return errors.Join(
		r.pub.Publish(TopicFillStatus, FormatValue(state.Code())),
		r.pub.Publish(TopicFillState, FormatValue(state)),
	)
}

// PublishPour sends the completion topics of one fill cycle.
func (r *Reporter) PublishPour(rec machine.PourRecord) error {
	values := []struct {
		topic string
		value any
	}{
		{TopicMould1FinalWeight, rec.LeftPour},
		{TopicMould1FillTime, rec.LeftFillTime},
		{TopicMould2FinalWeight, rec.RightPour},
		{TopicMould2FillTime, rec.RightFillTime},
		{TopicDesiredCompleted, rec.DesiredVolume},
		{TopicHighSpeedDone, rec.FastSpeed},
		{TopicLowSpeedDone, rec.SlowSpeed},
		{TopicBatchNumber, rec.Batch},
	}

	var errs []error
	for _, v := range values {
		if err := r.pub.Publish(v.topic, FormatValue(v.value)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
