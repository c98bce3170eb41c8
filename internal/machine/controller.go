package machine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pourSamples is the number of readings averaged per measured pour.
const pourSamples = 5

// Settings configure a Controller. They are fixed after construction
// except the speeds, flavour and batch.
type Settings struct {
	Fill           FillParams
	Cleaning       CleaningParams
	Speeds         Speeds
	TickInterval   time.Duration
	ScaleInterval  time.Duration
	MaxSampleAge   time.Duration
	Flavours       []FlavourProfile
	DefaultFlavour string
	Batch          string
	StartEnabled   bool
}

// Hooks are called outside the controller lock.
type Hooks struct {
	StateChanged    func(from, to State)
	PourCompleted   func(PourRecord)
	OperatorChanged func(Status)
}

// Controller runs the fill sequence and holds everything the cleaning
// cycle and the manual arbiter need to coordinate with it.
type Controller struct {
	logger   *zap.Logger
	actuator *Actuator
	settings Settings
	flavours map[string]FlavourProfile
	hooks    Hooks

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.RWMutex
	state       State
	cycle       FillCycle
	profile     FlavourProfile
	pending     *FlavourProfile
	speeds      Speeds
	batch       string
	gate        FillGate
	cleaning    bool
	holds       manualHolds
	weight      ScaleSample
	driveStatus uint16
	lastRecord  *PourRecord
	staleLogged bool
	baseCtx     context.Context
}

func NewController(logger *zap.Logger, actuator *Actuator, settings Settings, hooks Hooks) (*Controller, error) {
	flavours := make(map[string]FlavourProfile, len(settings.Flavours))
	for _, f := range settings.Flavours {
		flavours[f.ID] = f
	}

	profile, ok := flavours[settings.DefaultFlavour]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlavour, settings.DefaultFlavour)
	}

	if settings.TickInterval <= 0 {
		settings.TickInterval = 100 * time.Millisecond
	}

	gate := GateDisabled
	if settings.StartEnabled {
		gate = GateEnabled
	}

	return &Controller{
		logger:   logger,
		actuator: actuator,
		settings: settings,
		flavours: flavours,
		hooks:    hooks,
		now:      time.Now,
		sleep:    sleepCtx,
		state:    StateWaitingForMould,
		profile:  profile,
		speeds:   settings.Speeds,
		batch:    settings.Batch,
		gate:     gate,
		baseCtx:  context.Background(),
	}, nil
}

// Run tickt die Füllsequenz bis ctx beendet wird.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	flavour := c.profile.ID
	c.mu.Unlock()

	c.logger.Info("Fill controller started",
		zap.Duration("interval", c.settings.TickInterval),
		zap.String("flavour", flavour))

	ticker := time.NewTicker(c.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Fill controller stopped")
			return nil
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("Fill tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one step of the fill sequence. On error nothing is committed
// and the same step is retried on the next tick.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	if c.gate != GateEnabled || c.cleaning {
		c.mu.Unlock()
		return nil
	}
	if !c.sampleFresh() {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	if from == StateWaitingForMould && c.holds.any() {
		c.mu.Unlock()
		return nil
	}
	weight := c.weight.Mass
	cycle := c.cycle
	profile := c.profile
	params := c.fillParams()
	c.mu.Unlock()

	d := Decide(from, weight, cycle, profile, params)

	cycle, err := c.execute(ctx, d)
	if err != nil {
		return fmt.Errorf("%s -> %s: %w", from, d.Next, err)
	}

	c.commit(from, d, cycle)
	return nil
}

// sampleFresh must be called with c.mu held.
func (c *Controller) sampleFresh() bool {
	maxAge := c.settings.MaxSampleAge
	if maxAge <= 0 {
		return true
	}

	age := c.now().Sub(c.weight.At)
	if c.weight.At.IsZero() || age > maxAge {
		if !c.staleLogged {
			c.staleLogged = true
			c.logger.Warn("Scale sample stale, fill paused",
				zap.Duration("max_age", maxAge),
				zap.Time("sample_at", c.weight.At))
		}
		return false
	}

	if c.staleLogged {
		c.staleLogged = false
		c.logger.Info("Scale sample fresh again, fill resumed")
	}
	return true
}

// fillParams must be called with c.mu held.
func (c *Controller) fillParams() FillParams {
	p := c.settings.Fill
	p.FastUnits = SpeedUnits(c.speeds.Fast)
	p.SlowUnits = SpeedUnits(c.speeds.Slow)
	return p
}

func (c *Controller) execute(ctx context.Context, d Decision) (FillCycle, error) {
	cycle := d.Cycle

	for _, a := range d.Actions {
		switch a.Kind {
		case ActionCommand:
			if err := c.actuator.Submit(ctx, SourceFill, a.Commands...); err != nil {
				return cycle, err
			}

		case ActionWait:
			if err := c.sleep(ctx, a.Delay); err != nil {
				return cycle, err
			}

		case ActionCaptureTare:
			w := c.Weight().Mass
			cycle.TareWeight = w
			switch a.Side {
			case SideLeft:
				cycle.LeftTare = w
				cycle.MouldTare = w
				cycle.LeftStarted = c.now()
			case SideRight:
				cycle.RightTare = w
				cycle.RightStarted = c.now()
			}

		case ActionMeasurePour:
			samples := make([]float64, 0, pourSamples)
			for i := 0; i < pourSamples; i++ {
				if i > 0 {
					if err := c.sleep(ctx, c.settings.ScaleInterval); err != nil {
						return cycle, err
					}
				}
				samples = append(samples, c.Weight().Mass)
			}
			switch a.Side {
			case SideLeft:
				cycle.LastLeftPour = AveragePour(samples, cycle.LeftTare)
				cycle.LeftDuration = c.now().Sub(cycle.LeftStarted)
			case SideRight:
				cycle.LastRightPour = AveragePour(samples, cycle.RightTare)
				cycle.RightDuration = c.now().Sub(cycle.RightStarted)
			}
		}
	}

	return cycle, nil
}

func (c *Controller) commit(from State, d Decision, cycle FillCycle) {
	c.mu.Lock()

	// a cleaning start or manual hold may have slipped in while the
	// actions ran; those only happen in idle states without commands
	if c.state != from || c.cleaning || (!d.Next.ManualPermitted() && c.holds.any()) {
		c.mu.Unlock()
		c.logger.Debug("Fill tick discarded",
			zap.String("from", string(from)),
			zap.String("next", string(d.Next)))
		return
	}

	c.state = d.Next
	c.cycle = cycle

	var record *PourRecord
	if d.Completed {
		r := PourRecord{
			ID:            uuid.New(),
			Flavour:       c.profile.Name,
			DesiredVolume: c.profile.DesiredVolume,
			MouldTare:     cycle.MouldTare,
			LeftPour:      cycle.LastLeftPour,
			RightPour:     cycle.LastRightPour,
			LeftFillTime:  cycle.LeftDuration,
			RightFillTime: cycle.RightDuration,
			FastSpeed:     c.speeds.Fast,
			SlowSpeed:     c.speeds.Slow,
			Batch:         c.batch,
			CompletedAt:   c.now(),
		}
		c.lastRecord = &r
		record = &r
	}

	if d.Next == StateWaitingForMould && c.pending != nil {
		c.profile = *c.pending
		c.pending = nil
		c.logger.Info("Deferred flavour applied", zap.String("flavour", c.profile.ID))
	}
	c.mu.Unlock()

	if from != d.Next {
		c.logger.Info("Fill state changed",
			zap.String("from", string(from)),
			zap.String("to", string(d.Next)),
			zap.Float64("tare", cycle.TareWeight))
		if c.hooks.StateChanged != nil {
			c.hooks.StateChanged(from, d.Next)
		}
	}

	if record != nil {
		c.logger.Info("Fill cycle completed",
			zap.String("flavour", record.Flavour),
			zap.Float64("left_pour", record.LeftPour),
			zap.Float64("right_pour", record.RightPour),
			zap.Duration("left_time", record.LeftFillTime),
			zap.Duration("right_time", record.RightFillTime))
		if c.hooks.PourCompleted != nil {
			c.hooks.PourCompleted(*record)
		}
	}
}

// UpdateWeight stores a new smoothed scale sample.
func (c *Controller) UpdateWeight(mass float64) {
	c.mu.Lock()
	c.weight = ScaleSample{Mass: mass, At: c.now()}
	c.mu.Unlock()
}

// UpdateDriveStatus stores the last status word read from the pump drive.
func (c *Controller) UpdateDriveStatus(word uint16) {
	c.mu.Lock()
	c.driveStatus = word
	c.mu.Unlock()
}

func (c *Controller) Weight() ScaleSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.weight
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetGate enables or disables automatic filling.
func (c *Controller) SetGate(g FillGate) {
	c.mu.Lock()
	prev := c.gate
	c.gate = g
	c.mu.Unlock()

	if prev != g {
		c.logger.Info("Fill gate changed", zap.String("gate", g.String()))
	}
}

func (c *Controller) Gate() FillGate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gate
}

// SelectFlavour switches the active profile. Outside waiting_for_mould the
// change is deferred until the next return to waiting_for_mould.
func (c *Controller) SelectFlavour(id string) (applied bool, err error) {
	profile, ok := c.flavours[id]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownFlavour, id)
	}

	c.mu.Lock()
	if c.state == StateWaitingForMould {
		c.profile = profile
		c.pending = nil
		applied = true
	} else {
		c.pending = &profile
	}
	c.mu.Unlock()

	c.logger.Info("Flavour selected",
		zap.String("flavour", id),
		zap.Bool("deferred", !applied))
	c.operatorChanged()
	return applied, nil
}

// Flavours returns the configured profiles ordered by id.
func (c *Controller) Flavours() []FlavourProfile {
	out := make([]FlavourProfile, 0, len(c.flavours))
	for _, f := range c.flavours {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetSpeeds updates the operator speeds in Hz. Zero leaves a value unchanged.
func (c *Controller) SetSpeeds(fast, slow, clean float64) error {
	for _, v := range []float64{fast, slow, clean} {
		if v < 0 || v*100 > math.MaxUint16 {
			return fmt.Errorf("%w: %v", ErrInvalidSpeed, v)
		}
	}

	c.mu.Lock()
	if fast > 0 {
		c.speeds.Fast = fast
	}
	if slow > 0 {
		c.speeds.Slow = slow
	}
	if clean > 0 {
		c.speeds.Clean = clean
	}
	speeds := c.speeds
	c.mu.Unlock()

	c.logger.Info("Speeds changed",
		zap.Float64("fast", speeds.Fast),
		zap.Float64("slow", speeds.Slow),
		zap.Float64("clean", speeds.Clean))
	c.operatorChanged()
	return nil
}

func (c *Controller) Speeds() Speeds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speeds
}

func (c *Controller) SetBatch(batch string) {
	c.mu.Lock()
	c.batch = batch
	c.mu.Unlock()

	c.logger.Info("Batch changed", zap.String("batch", batch))
	c.operatorChanged()
}

// Status returns a consistent snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	s := Status{
		State:     c.state,
		StateCode: c.state.Code(),
		Gate:      c.gate.String(),
		Cleaning:  c.cleaning,
		Manual:    c.holds.view(),
		Weight:    c.weight,
		Cycle:     c.cycle,
		Drive:     c.driveStatus,
		Flavour:   c.profile.ID,
		Speeds:    c.speeds,
		Batch:     c.batch,

		DesiredVolume: c.profile.DesiredVolume,
	}
	if c.pending != nil {
		s.PendingFlavour = c.pending.ID
	}
	if c.lastRecord != nil {
		r := *c.lastRecord
		s.LastRecord = &r
	}
	c.mu.RUnlock()

	s.Commands = c.actuator.Snapshot()
	return s
}

func (c *Controller) operatorChanged() {
	if c.hooks.OperatorChanged != nil {
		c.hooks.OperatorChanged(c.Status())
	}
}

// runContext returns the long-lived context handed to Run.
func (c *Controller) runContext() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseCtx
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
