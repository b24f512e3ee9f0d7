package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/turtacn/closedloop/internal/audit"
	"github.com/turtacn/closedloop/internal/commandqueue"
	"github.com/turtacn/closedloop/internal/glucose"
	"github.com/turtacn/closedloop/internal/monitor"
	"github.com/turtacn/closedloop/internal/pump"
	"github.com/turtacn/closedloop/internal/relay"
	"github.com/turtacn/closedloop/internal/runningmode"
	"github.com/turtacn/closedloop/internal/status"
	"github.com/turtacn/closedloop/pkg/consts"
	"github.com/turtacn/closedloop/pkg/errors"
	"github.com/turtacn/closedloop/pkg/fsm"
	"github.com/turtacn/closedloop/pkg/logger"
	"github.com/turtacn/closedloop/pkg/protocol"
)

var lifecycle = fsm.NewPolicy().
	AddTransition(fsm.State(consts.StatePending), fsm.State(consts.StateStarting)).
	AddTransition(fsm.State(consts.StateStarting), fsm.State(consts.StateRunning), fsm.State(consts.StateStopping)).
	AddTransition(fsm.State(consts.StateRunning), fsm.State(consts.StateStopping)).
	AddTransition(fsm.State(consts.StateStopping), fsm.State(consts.StateStopped))

// Engine assembles the controller daemon from configuration and runs it.
type Engine struct {
	cfg *protocol.Config
	fsm *fsm.StateMachine
	log logger.Logger

	repo    runningmode.Repository
	store   *runningmode.Store
	device  pump.Device
	sync    *pump.LocalSync
	queue   *commandqueue.Queue
	buffer  *glucose.Buffer
	loop    *Loop
	tracker *status.Tracker
	guard   *DSTGuard
	relay   *relay.Server
	metrics *http.Server
}

func NewEngine(ctx context.Context, cfg *protocol.Config, log logger.Logger) (*Engine, error) {
	log = logger.OrDefault(log)
	e := &Engine{
		cfg: cfg,
		fsm: fsm.New(fsm.State(consts.StatePending), lifecycle),
		log: log,
	}
	e.fsm.OnChange(func(from, to fsm.State) error {
		e.log.Info("Engine state", "from", from, "to", to)
		return nil
	})

	switch cfg.Storage.Driver {
	case "sqlite":
		repo, err := runningmode.OpenSQLite(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		e.repo = repo
	default:
		e.repo = runningmode.NewMemoryRepository()
	}
	e.store = runningmode.NewStore(e.repo, log)

	switch cfg.Pump.Driver {
	case "", "virtual":
		e.device = pump.NewVirtual(cfg.Pump.BaseBasal)
	default:
		return nil, errors.New(errors.ErrCodeConfigInvalid, "NewEngine", "unsupported pump driver "+cfg.Pump.Driver, nil)
	}
	e.sync = pump.NewLocalSync()

	e.queue = commandqueue.New(e.device, e.sync, commandqueue.Options{
		CommandTimeout: protocol.Duration(cfg.Queue.CommandTimeout, consts.DefaultCommandTimeout),
		ConnectTimeout: protocol.Duration(cfg.Queue.ConnectTimeout, consts.DefaultConnectTimeout),
		Logger:         log,
	})

	e.buffer = glucose.NewBuffer(consts.DefaultBufferCapacity)
	noise := cfg.Controller.NoiseFloor
	if noise <= 0 {
		noise = consts.GlucoseNoiseFloor
	}
	provider := glucose.NewProvider(e.buffer, protocol.Duration(cfg.Controller.FreshnessBound, consts.DefaultFreshnessBound), noise)

	var notifier audit.Notifier = audit.Discard{}
	if cfg.Notifications.Enabled {
		notifier = audit.NewDesktopNotifier(cfg.Notifications.AppName)
	}

	e.loop = New(Deps{
		Store:       e.store,
		Queue:       e.queue,
		Device:      e.device,
		Sync:        e.sync,
		Glucose:     provider,
		Constraints: Limits{MaxBasal: cfg.Limits.MaxBasal, MaxSMB: cfg.Limits.MaxSMB},
		Audit:       audit.NewLogSink(log),
		Notifier:    notifier,
		Logger:      log,
	})

	e.tracker = status.NewTracker(e.store, e.device, e.queue, e.sync)
	e.queue.OnResult(e.tracker.Observe)
	e.queue.OnResult(func(cmd commandqueue.Command, r pump.Result) {
		if !r.Success && commandqueue.StateOf(cmd) != commandqueue.StateCancelled {
			go e.loop.notifier.Notify(ctx, "Pump command failed", fmt.Sprintf("%s: %s", cmd.Describe(), r.Comment))
		}
	})

	if cfg.DST.Enabled {
		loc := time.Local
		if tz := cfg.DST.Timezone; tz != "" && tz != "Local" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return nil, errors.New(errors.ErrCodeConfigInvalid, "NewEngine", "unknown timezone "+tz, err)
			}
			loc = l
		}
		e.guard = NewDSTGuard(e.loop, loc, protocol.Duration(cfg.DST.Window, consts.DefaultDSTWindow), cfg.Pump.HandlesDST)
	}

	e.relay = relay.NewServer(cfg.Relay.SocketPath, e, protocol.Duration(cfg.Relay.Timeout, consts.DefaultRelayTimeout), log)
	return e, nil
}

// State is the engine lifecycle state.
func (e *Engine) State() fsm.State { return e.fsm.Current() }

// Loop exposes the orchestrator.
func (e *Engine) Loop() *Loop { return e.loop }

// Start runs the daemon until ctx ends or a stop signal arrives. SIGHUP
// triggers an immediate loop pass.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.fsm.Fire(fsm.State(consts.StateStarting)); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					e.log.Info("Signal: SIGHUP received. Running loop now.")
					e.Invoke(ctx)
				case syscall.SIGINT, syscall.SIGTERM:
					e.log.Info("Signal: Stop received. Shutting down.")
					cancel()
				}
			}
		}
	}()

	if addr := e.cfg.Observability.MetricsPort; addr != "" {
		e.metrics = monitor.InitMetrics(addr)
	}
	if rec, err := e.store.ActiveAt(ctx, time.Now()); err == nil {
		monitor.SetActiveMode(string(rec.Mode))
	}

	// The queue outlives ctx so shutdown can drain it
	e.queue.Start(context.Background())

	relayErr := make(chan error, 1)
	go func() { relayErr <- e.relay.Serve(ctx) }()
	go e.loop.Run(ctx, protocol.Duration(e.cfg.Controller.LoopInterval, consts.DefaultLoopInterval), e.guard)

	e.fsm.Fire(fsm.State(consts.StateRunning))
	e.log.Info("Controller running", "pump", e.device.Name(), "storage", e.cfg.Storage.Driver)

	var err error
	select {
	case <-ctx.Done():
	case err = <-relayErr:
		if err != nil {
			e.log.Error("Relay failed", "err", err)
		}
	}
	e.shutdown()
	return err
}

func (e *Engine) shutdown() {
	e.fsm.Fire(fsm.State(consts.StateStopping))

	drainCtx, cancel := context.WithTimeout(context.Background(),
		protocol.Duration(e.cfg.Queue.DrainDeadline, consts.DefaultDrainDeadline))
	defer cancel()
	if err := e.queue.WaitDrained(drainCtx, 0, protocol.Duration(e.cfg.Queue.DrainPoll, consts.DefaultDrainPoll)); err != nil {
		e.log.Warn("Queue not drained before shutdown", "err", err, "pending", e.queue.Size())
	}
	e.queue.Stop()

	e.relay.Close()
	if e.metrics != nil {
		e.metrics.Shutdown(context.Background())
	}
	if c, ok := e.repo.(interface{ Close() error }); ok {
		c.Close()
	}
	e.fsm.Fire(fsm.State(consts.StateStopped))
}

// Status implements relay.Backend.
func (e *Engine) Status(ctx context.Context) (status.Document, error) {
	return e.tracker.Snapshot(ctx)
}

// ChangeMode implements relay.Backend for user requests.
func (e *Engine) ChangeMode(ctx context.Context, mode string, minutes int, reasons []string) (bool, error) {
	m, err := runningmode.ParseMode(strings.ToUpper(mode))
	if err != nil {
		return false, errors.New(errors.ErrCodeInvalidTransition, "ChangeMode", "unknown mode", err)
	}
	return e.loop.HandleRunningModeChange(ctx, ModeChange{
		Mode:            m,
		Action:          "cli",
		Source:          audit.ActorUser,
		Reasons:         reasons,
		DurationMinutes: minutes,
		Profile:         e.cfg.Pump.ProfileName,
	})
}

// Accept implements relay.Backend.
func (e *Engine) Accept(ctx context.Context) bool {
	return e.loop.AcceptChangeRequest(ctx)
}

// Invoke implements relay.Backend.
func (e *Engine) Invoke(ctx context.Context) (string, error) {
	run, err := e.loop.Invoke(ctx, "user", false, false)
	if run == nil {
		return "", err
	}
	return string(run.Outcome), err
}

// AddGlucose implements relay.Backend.
func (e *Engine) AddGlucose(_ context.Context, mgdl float64) error {
	if mgdl <= 0 {
		return errors.New(errors.ErrCodeConfigInvalid, "AddGlucose", "glucose must be positive", nil)
	}
	e.buffer.Add(glucose.Sample{Value: mgdl, Time: time.Now()})
	return nil
}

// Personal.AI order the ending
