package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/KevinKickass/OpenFillCore/internal/api/rest"
	"github.com/KevinKickass/OpenFillCore/internal/api/stream"
	"github.com/KevinKickass/OpenFillCore/internal/api/websocket"
	"github.com/KevinKickass/OpenFillCore/internal/auth"
	"github.com/KevinKickass/OpenFillCore/internal/config"
	"github.com/KevinKickass/OpenFillCore/internal/gpio"
	"github.com/KevinKickass/OpenFillCore/internal/interfaces"
	"github.com/KevinKickass/OpenFillCore/internal/machine"
	"github.com/KevinKickass/OpenFillCore/internal/modbus"
	"github.com/KevinKickass/OpenFillCore/internal/records"
	"github.com/KevinKickass/OpenFillCore/internal/storage"
	"github.com/KevinKickass/OpenFillCore/internal/telemetry"
	"github.com/KevinKickass/OpenFillCore/internal/watchdog"
)

// Dependencies replace the hardware and network edges. Nil fields are
// built from the configuration.
type Dependencies struct {
	PumpBus  modbus.Bus
	ScaleBus modbus.Bus
	ValveBus modbus.Bus

	Publisher telemetry.Publisher
	Buttons   gpio.Reader

	// DisableServers skips the HTTP and gRPC listeners.
	DisableServers bool
}

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger
	deps   Dependencies

	serial  *modbus.SerialClients
	gateway *modbus.Gateway

	actuator   *machine.Actuator
	controller *machine.Controller
	arbiter    *machine.Arbiter
	cleaner    *machine.Cleaner
	monitor    *watchdog.Monitor

	db        *storage.PostgresClient
	recorder  *records.Recorder
	publisher telemetry.Publisher
	reporter  *telemetry.Reporter
	buttons   *gpio.Watcher

	authService *auth.AuthService
	hub         *websocket.Hub
	streamer    *stream.StatusStreamer
	restServer  *rest.Server
	grpcServer  *grpc.Server

	cancel context.CancelFunc
	group  *errgroup.Group
	done   <-chan struct{}

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownOnce sync.Once
}

// SettingsFromConfig translates the configuration into controller
// settings.
func SettingsFromConfig(cfg *config.Config) machine.Settings {
	f := cfg.Filling
	c := cfg.Cleaning

	ids := make([]string, 0, len(cfg.Flavours))
	for id := range cfg.Flavours {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	flavours := make([]machine.FlavourProfile, 0, len(ids))
	for _, id := range ids {
		fc, _ := cfg.Flavour(id)
		flavours = append(flavours, machine.FlavourProfile{
			ID:              id,
			Name:            fc.Name,
			DesiredVolume:   fc.DesiredVolume,
			MouldTareWeight: fc.MouldTareWeight,
		})
	}

	return machine.Settings{
		Fill: machine.FillParams{
			MouldTolerance:   f.MouldTolerance,
			FillTolerance:    f.FillTolerance,
			RemovalTolerance: f.RemovalTolerance,
			ConfirmReadings:  f.ConfirmReadings,
			ConfirmRemovals:  f.ConfirmRemovals,
			MouldAdjustDelay: f.MouldAdjustDelay,
			ValveStartDelay:  f.ValveStartDelay,
			PostFillDelay:    f.PostFillDelay,
		},
		Cleaning: machine.CleaningParams{
			InitialDelay: c.InitialDelay,
			Interval:     c.Interval,
			ToggleDelay:  c.ToggleDelay,
			StopDelay:    c.StopDelay,
			MaxDuration:  c.MaxDuration,
		},
		Speeds: machine.Speeds{
			Fast:  f.FastSpeed,
			Slow:  f.SlowSpeed,
			Clean: c.CleanSpeed,
			Prime: f.PrimeSpeed,
		},
		TickInterval:   f.ControllerInterval,
		ScaleInterval:  cfg.Devices.Scale.PollInterval,
		MaxSampleAge:   f.MaxSampleAge,
		Flavours:       flavours,
		DefaultFlavour: cfg.DefaultFlavour,
		Batch:          cfg.Batch,
		StartEnabled:   f.StartEnabled,
	}
}

// NewLifecycleManager wires the machine. Nothing talks to hardware or the
// network before Start.
func NewLifecycleManager(cfg *config.Config, logger *zap.Logger, deps Dependencies) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		deps:         deps,
		serial:       modbus.NewSerialClients(),
		currentState: StateInitializing,
	}

	pumpBus, err := lm.bus(deps.PumpBus, cfg.Devices.Pump.SerialConfig)
	if err != nil {
		return nil, fmt.Errorf("pump: %w", err)
	}
	scaleBus, err := lm.bus(deps.ScaleBus, cfg.Devices.Scale)
	if err != nil {
		return nil, fmt.Errorf("scale: %w", err)
	}
	valveBus, err := lm.bus(deps.ValveBus, cfg.Devices.Valves.SerialConfig)
	if err != nil {
		return nil, fmt.Errorf("valves: %w", err)
	}

	lm.gateway = modbus.NewGateway(logger.Named("gateway"),
		modbus.NewDevice("pump", pumpBus, cfg.Devices.Pump.Interval),
		modbus.NewDevice("scale", scaleBus, cfg.Devices.Scale.Interval),
		modbus.NewDevice("valves", valveBus, cfg.Devices.Valves.Interval),
		modbus.ValveWriteMode(cfg.Devices.Valves.WriteMode))

	lm.actuator = machine.NewActuator(logger.Named("actuator"))
	lm.controller, err = machine.NewController(logger.Named("fill"), lm.actuator, SettingsFromConfig(cfg), machine.Hooks{
		StateChanged:    lm.onStateChanged,
		PourCompleted:   lm.onPourCompleted,
		OperatorChanged: lm.onOperatorChanged,
	})
	if err != nil {
		return nil, err
	}
	lm.arbiter = machine.NewArbiter(lm.controller, logger.Named("manual"))
	lm.cleaner = machine.NewCleaner(lm.controller, logger.Named("cleaning"))

	lm.monitor = watchdog.NewMonitor(cfg.Watchdog.Interval, cfg.Watchdog.Threshold, logger.Named("watchdog"))
	lm.monitor.OnChange = lm.onHealthChanged
	lm.recorder = records.NewRecorder(cfg.Records.BufferSize, logger.Named("records"))
	lm.hub = websocket.NewHub(logger.Named("ws"), lm.controller)
	lm.streamer = stream.NewStatusStreamer(lm.controller, cfg.MQTT.PublishInterval)

	return lm, nil
}

func (lm *LifecycleManager) bus(given modbus.Bus, cfg config.SerialConfig) (modbus.Bus, error) {
	if given != nil {
		return given, nil
	}
	return lm.serial.Open(cfg)
}

// Start connects storage and telemetry, closes the valves and starts every
// loop under one errgroup.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	cfg := lm.config
	lm.logger.Info("Starting OpenFillCore",
		zap.String("flavour", cfg.DefaultFlavour),
		zap.Bool("start_enabled", cfg.Filling.StartEnabled))

	if cfg.Database.Enabled {
		db, err := storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			lm.setState(StateError)
			return fmt.Errorf("database: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			lm.setState(StateError)
			return fmt.Errorf("database schema: %w", err)
		}
		lm.db = db
		lm.recorder.Add("postgres", db)
		lm.logger.Info("Database connected", zap.String("host", cfg.Database.Host))
	}

	if cfg.Records.CSVEnabled {
		csvLog, err := records.NewCSVLog(cfg.Records.CSVDir)
		if err != nil {
			lm.setState(StateError)
			return fmt.Errorf("csv records: %w", err)
		}
		lm.recorder.Add("csv", csvLog)
	}

	var events auth.EventLog
	if lm.db != nil {
		events = lm.db
	}
	lm.authService = auth.NewAuthService(cfg.Auth, events, lm.logger.Named("auth"))
	if cfg.Auth.Enabled && !cfg.Auth.IsProductionReady() {
		lm.logger.Warn("Auth enabled with development JWT secret",
			zap.String("env", cfg.Auth.JWTSecretEnv))
	}

	lm.publisher = lm.deps.Publisher
	if lm.publisher == nil && cfg.MQTT.Enabled {
		pub, err := telemetry.NewMQTTPublisher(cfg.MQTT, lm.logger.Named("mqtt"))
		if err != nil {
			lm.setState(StateError)
			return fmt.Errorf("mqtt: %w", err)
		}
		lm.publisher = pub
	}
	if lm.publisher != nil {
		lm.reporter = telemetry.NewReporter(lm.publisher, lm.controller, lm.monitor.Healthy,
			cfg.MQTT.PublishInterval, lm.logger.Named("telemetry"))
		lm.reporter.OnSuccess = lm.monitor.Feed
	}

	buttons := lm.deps.Buttons
	if buttons == nil && cfg.Buttons.Enabled {
		r, err := gpio.NewRealReader(cfg.Buttons.Chip, cfg.Buttons.LeftLine, cfg.Buttons.RightLine, cfg.Buttons.ActiveLow)
		if err != nil {
			lm.setState(StateError)
			return fmt.Errorf("buttons: %w", err)
		}
		buttons = r
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	lm.cancel = cancel
	lm.group = group
	lm.done = groupCtx.Done()

	initCtx, initCancel := context.WithTimeout(ctx, 2*time.Second)
	lm.gateway.Init(initCtx)
	initCancel()

	pump := &pumpWriter{
		gw:          lm.gateway,
		outputs:     lm.actuator,
		runCommand:  cfg.Devices.Pump.RunCommand,
		stopCommand: cfg.Devices.Pump.StopCommand,
		sink:        lm.controller,
		logger:      lm.logger.Named("pump"),
	}
	valves := &valveWriter{gw: lm.gateway, outputs: lm.actuator}
	scale := &scaleReader{gw: lm.gateway, sink: lm.controller}

	pollers := []*modbus.Poller{
		modbus.NewPoller(loopPump, cfg.Devices.Pump.PollInterval, pump.poll, lm.logger),
		modbus.NewPoller(loopValves, cfg.Devices.Valves.PollInterval, valves.poll, lm.logger),
		modbus.NewPoller(loopScale, cfg.Devices.Scale.PollInterval, scale.poll, lm.logger),
	}
	for _, p := range pollers {
		p.OnSuccess = lm.monitor.Feed
		lm.monitor.Register(p.Name())
		group.Go(func() error { return p.Run(groupCtx) })
	}

	group.Go(func() error { return lm.actuator.Run(groupCtx) })
	group.Go(func() error { return lm.controller.Run(groupCtx) })
	group.Go(func() error { return lm.monitor.Run(groupCtx) })
	group.Go(func() error { return lm.recorder.Run(groupCtx) })
	group.Go(func() error { return lm.hub.Run(groupCtx) })
	group.Go(func() error { return lm.streamer.Run(groupCtx) })
	group.Go(func() error {
		every(groupCtx, cfg.MQTT.PublishInterval, lm.hub.BroadcastStatus)
		return nil
	})

	if lm.reporter != nil {
		lm.monitor.Register(loopTelemetry)
		group.Go(func() error { return lm.reporter.Run(groupCtx) })
	}

	if buttons != nil {
		lm.buttons = gpio.NewWatcher(buttons, cfg.Buttons.Debounce,
			buttonHandler(groupCtx, lm.arbiter, lm.logger.Named("buttons")), lm.logger.Named("buttons"))
		lm.buttons.OnSuccess = lm.monitor.Feed
		lm.monitor.Register(loopButtons)
		group.Go(func() error { return lm.buttons.Run(groupCtx) })
	}

	if !lm.deps.DisableServers {
		if err := lm.startGRPCServer(); err != nil {
			lm.setState(StateError)
			return fmt.Errorf("failed to start gRPC: %w", err)
		}
		lm.startRESTServer(groupCtx)
	}

	lm.setState(StateRunning)
	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Bool("telemetry", lm.reporter != nil),
		zap.Bool("buttons", lm.buttons != nil),
		zap.Bool("database", lm.db != nil))
	return nil
}

// Done is closed when the loops stop, either by Shutdown or because one
// of them failed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.done
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	stream.RegisterTelemetryServer(lm.grpcServer, stream.NewTelemetryService(lm.streamer))

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.config.Server.GRPCPort),
			zap.String("services", stream.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return nil
}

func (lm *LifecycleManager) startRESTServer(ctx context.Context) {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.hub, lm.authService)
	errCh := lm.restServer.Start()
	lm.group.Go(func() error {
		select {
		case err, ok := <-errCh:
			if ok && err != nil {
				return fmt.Errorf("rest api: %w", err)
			}
		case <-ctx.Done():
		}
		return nil
	})
}

// Shutdown latches the actuators safe, stops the loops, forces the final
// hardware write and then closes telemetry, servers, ports and database.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		if shutdownErr != nil {
			lm.setState(StateError)
		}
		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// nil when Start failed before the loops were launched
	if lm.cancel != nil {
		if err := lm.stopLoops(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	// 3. Final hardware write
	writeCtx, writeCancel := context.WithTimeout(ctx, 2*time.Second)
	if err := finalWrite(writeCtx, lm.gateway, lm.config.Devices.Pump.StopCommand); err != nil {
		lm.logger.Error("Final hardware write failed", zap.Error(err))
		errs = append(errs, fmt.Errorf("final write: %w", err))
	} else {
		lm.logger.Info("Outputs forced safe: pump stopped, valves closed")
	}
	writeCancel()

	// 4. Telemetry
	if lm.publisher != nil {
		if err := lm.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry close: %w", err))
		}
	}

	// 5. Servers
	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}
	if lm.grpcServer != nil {
		lm.logger.Info("Stopping gRPC server")
		stopped := make(chan struct{})
		go func() {
			lm.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			lm.grpcServer.Stop()
		}
	}

	// 6. Ports and database
	if lm.buttons != nil {
		if err := lm.buttons.Close(); err != nil {
			errs = append(errs, fmt.Errorf("buttons close: %w", err))
		}
	}
	if err := lm.serial.Close(); err != nil {
		errs = append(errs, fmt.Errorf("serial close: %w", err))
	}
	if lm.db != nil {
		lm.db.Close()
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

// stopLoops latches the actuator, cancels the loops and waits at most
// the shutdown grace for them.
func (lm *LifecycleManager) stopLoops(ctx context.Context) error {
	// 1. Latch: nothing but shutdown may touch the outputs from here on
	latchCtx, latchCancel := context.WithTimeout(ctx, time.Second)
	if err := lm.actuator.Submit(latchCtx, machine.SourceShutdown,
		machine.Claim(), machine.StopPump(), machine.CloseValves()); err != nil {
		lm.logger.Warn("Shutdown latch failed", zap.Error(err))
	}
	latchCancel()

	// 2. Loops
	lm.cancel()
	loopsDone := make(chan error, 1)
	go func() { loopsDone <- lm.group.Wait() }()

	grace := lm.config.Server.ShutdownGrace
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case err := <-loopsDone:
		return err
	case <-time.After(grace):
		lm.logger.Warn("Loops still running after grace period", zap.Duration("grace", grace))
		return nil
	}
}

func (lm *LifecycleManager) onStateChanged(from, to machine.State) {
	lm.hub.Broadcast(websocket.NewMachineStateMessage(to, from))
	lm.streamer.Notify()
	if lm.reporter != nil {
		lm.reporter.StateChanged(to)
	}
}

func (lm *LifecycleManager) onHealthChanged(healthy bool, stale []string) {
	lm.hub.Broadcast(websocket.NewHealthMessage(healthy, stale))
	lm.streamer.Notify()
	if lm.reporter != nil {
		lm.reporter.HealthChanged(healthy)
	}
}

func (lm *LifecycleManager) onPourCompleted(rec machine.PourRecord) {
	lm.recorder.Record(rec)
	lm.hub.Broadcast(websocket.NewPourMessage(rec))
	if lm.reporter != nil {
		lm.reporter.PourCompleted(rec)
	}
}

func (lm *LifecycleManager) onOperatorChanged(s machine.Status) {
	lm.hub.BroadcastStatus()

	path := lm.config.OperatorFile
	if path == "" {
		return
	}
	err := config.SaveOperatorSettings(path, config.OperatorSettings{
		FastSpeed:  s.Speeds.Fast,
		SlowSpeed:  s.Speeds.Slow,
		CleanSpeed: s.Speeds.Clean,
		Flavour:    pendingOr(s.PendingFlavour, s.Flavour),
		Batch:      s.Batch,
	})
	if err != nil {
		lm.logger.Warn("Failed to persist operator settings", zap.String("path", path), zap.Error(err))
	}
}

func pendingOr(pending, current string) string {
	if pending != "" {
		return pending
	}
	return current
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Debug("Ignoring lifecycle transition", zap.Error(err))
		return
	}
	lm.currentState = state
}

// State returns the lifecycle state.
func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) Config() *config.Config          { return lm.config }
func (lm *LifecycleManager) Controller() *machine.Controller { return lm.controller }
func (lm *LifecycleManager) Arbiter() *machine.Arbiter       { return lm.arbiter }
func (lm *LifecycleManager) Cleaner() *machine.Cleaner       { return lm.cleaner }
func (lm *LifecycleManager) Healthy() bool                   { return lm.monitor.Healthy() }
func (lm *LifecycleManager) Gateway() *modbus.Gateway        { return lm.gateway }
func (lm *LifecycleManager) Actuator() *machine.Actuator     { return lm.actuator }

// History is nil without a database.
func (lm *LifecycleManager) History() interfaces.PourHistory {
	if lm.db == nil {
		return nil
	}
	return lm.db
}

// every calls fn at interval until ctx ends.
func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
