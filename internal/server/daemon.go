package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/deskbridge/deskbridge/internal/api"
	"github.com/deskbridge/deskbridge/internal/camera"
	"github.com/deskbridge/deskbridge/internal/cloudbase"
	"github.com/deskbridge/deskbridge/internal/command"
	"github.com/deskbridge/deskbridge/internal/metrics"
	"github.com/deskbridge/deskbridge/internal/natsserver"
	"github.com/deskbridge/deskbridge/internal/registry"
	"github.com/deskbridge/deskbridge/internal/serial"
	"github.com/deskbridge/deskbridge/internal/ui"
	"github.com/deskbridge/deskbridge/internal/upload"
	"github.com/deskbridge/deskbridge/pkg/agent"
)

// Daemon is the deskd process.
type Daemon struct {
	cfg    Config
	logger zerolog.Logger

	nats       *natsserver.Server
	registry   *registry.Registry
	agent      *agent.Agent
	state      *command.State
	dispatcher *command.Dispatcher
	service    *command.Service
	apiServer  *api.Server
	metricsSrv *http.Server

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
	readyCh   chan struct{}

	// Overridable for testing.
	store   cloudbase.StoreClient
	openTTY serial.Opener
}

// NewDaemon creates a Daemon from config.
func NewDaemon(cfg Config, logger zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
		readyCh: make(chan struct{}),
	}
}

// Run starts all subsystems and blocks until a signal is received or Stop
// is called.
func (d *Daemon) Run() error {
	d.startedAt = time.Now()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	if err := d.start(ctx); err != nil {
		d.shutdown()
		return err
	}

	apiErrCh := make(chan error, 1)
	go func() { apiErrCh <- d.apiServer.Start() }()
	metricsErrCh := d.startMetrics()

	d.logger.Info().
		Str("socket", d.cfg.Server.Socket).
		Bool("cloud", d.service != nil).
		Bool("capture", d.cfg.Capture.Enabled).
		Bool("serial", d.cfg.Serial.Enabled).
		Msg("deskd started")
	close(d.readyCh)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-d.stopCh:
		d.logger.Info().Msg("stop requested, shutting down")
	case err := <-apiErrCh:
		if err != nil {
			d.logger.Error().Err(err).Msg("API server error")
			runErr = err
		}
	case err := <-metricsErrCh:
		d.logger.Error().Err(err).Msg("metrics listener error")
		runErr = err
	}

	d.shutdown()
	return runErr
}

// start brings up the bus, the shared state and every background loop.
func (d *Daemon) start(ctx context.Context) error {
	ns, err := natsserver.New(natsserver.Config{
		Host:  d.cfg.NATS.Host,
		Port:  d.cfg.NATS.Port,
		Token: d.cfg.NATS.Token,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("start nats: %w", err)
	}
	d.nats = ns

	reg, err := registry.New(ns.Conn(), 0, d.logger)
	if err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	d.registry = reg

	a, err := agent.New(agent.Config{
		NATSUrl:  ns.ClientURL(),
		NATSOpts: ns.ClientOptions(),
	}, command.AgentName, command.AgentVersion, d.capabilities(), command.Commands, d.logger)
	if err != nil {
		return fmt.Errorf("start desk agent: %w", err)
	}
	d.agent = a

	d.state = command.NewState()
	uiBus := ui.NewBus(d.cfg.UI.QueueSize, d.logger)

	store := d.store
	if store == nil && d.cfg.Cloud.Enabled {
		client, _ := cloudbase.New(cloudbase.Config{
			APIBase:        d.cfg.Cloud.APIBase,
			EnvID:          d.cfg.Cloud.EnvID,
			AppID:          d.cfg.Cloud.AppID,
			Secret:         d.cfg.Cloud.Secret,
			RequestTimeout: d.cfg.Cloud.RequestTimeout,
			TokenMargin:    d.cfg.Cloud.TokenMargin,
		}, d.logger)
		store = client
	}

	var acker command.Acker
	if store != nil {
		acker = command.NewAcknowledger(store, d.cfg.Cloud.Collection, d.logger)
	}
	d.dispatcher = command.NewDispatcher(command.DispatcherConfig{
		State:    d.state,
		Launcher: command.NewProcessLauncher(d.cfg.Command.Interpreter, d.cfg.Command.ScriptDir, d.cfg.Command.Timeout, d.logger),
		UI:       uiBus,
		Ack:      acker,
		Observer: a,
		Logger:   d.logger,
	})

	if _, err := command.NewBus(a, d.cfg.Security.CommandSecret, d.dispatcher, d.logger); err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}

	// UI loop: camera toggles apply here, everything is forwarded to the app.
	cam := camera.NewController(d.state, d.logger)
	uiLoop := ui.NewLoop(ui.LoopConfig{
		Bus:       uiBus,
		Handlers:  []ui.Handler{cam.Handle},
		Publisher: a,
		App:       d.cfg.UI.App,
		Tick:      d.cfg.UI.Tick,
		Logger:    d.logger,
	})
	d.goRun("ui loop", func() error { return uiLoop.Run(ctx) })

	if store != nil {
		poller := command.NewPoller(store, d.cfg.Cloud.Collection, d.logger)
		d.service = command.NewService(poller, d.dispatcher, d.cfg.Cloud.PollInterval, d.logger)
		d.service.Start(ctx)
	}

	if d.cfg.Capture.Enabled {
		frames := camera.NewFrameLoop(camera.FrameConfig{
			State:       d.state,
			Dir:         d.cfg.Capture.Dir,
			GrabCommand: d.cfg.Capture.GrabCommand,
			Interval:    d.cfg.Capture.FrameInterval,
			Logger:      d.logger,
		})
		d.goRun("frame loop", func() error { return frames.Run(ctx) })
	}

	if d.cfg.Storage.Enabled && store != nil {
		objects, err := upload.NewCOSStore(upload.StorageConfig{
			Bucket:    d.cfg.Storage.Bucket,
			Region:    d.cfg.Storage.Region,
			SecretID:  d.cfg.Storage.SecretID,
			SecretKey: d.cfg.Storage.SecretKey,
			Scheme:    d.cfg.Storage.Scheme,
			Endpoint:  d.cfg.Storage.Endpoint,
		})
		if err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
		uploader := upload.NewUploader(upload.UploaderConfig{
			Store:      objects,
			Records:    store,
			Collection: d.cfg.Cloud.UploadCollection,
			Prefix:     d.cfg.Storage.Prefix,
			UI:         uiBus,
			Logger:     d.logger,
		})
		watcher := upload.NewWatcher(d.cfg.Capture.Dir, uploader, d.cfg.Capture.Settle, d.logger)
		d.goRun("capture watcher", func() error { return watcher.Run(ctx) })
	}

	if d.cfg.Serial.Enabled {
		listener := serial.NewListener(serial.Config{
			Port:     d.cfg.Serial.Port,
			Baud:     d.cfg.Serial.Baud,
			Triggers: d.cfg.Serial.Triggers,
		}, d.dispatcher, d.logger)
		if d.openTTY != nil {
			listener.SetOpener(d.openTTY)
		}
		d.goRun("serial listener", func() error { return listener.Run(ctx) })
	}

	apiCfg := api.Config{
		Socket:      d.cfg.Server.Socket,
		Agents:      reg,
		State:       d.state,
		Injector:    d.dispatcher,
		BusRunning:  ns.Running,
		StartedAt:   d.startedAt,
		BaseContext: ctx,
		Logger:      d.logger,
	}
	if d.service != nil {
		apiCfg.Poller = d.service
	}
	d.apiServer = api.New(apiCfg)
	return nil
}

func (d *Daemon) capabilities() []string {
	caps := []string{"local-commands"}
	if d.cfg.Cloud.Enabled || d.store != nil {
		caps = append(caps, "cloud-commands")
	}
	if d.cfg.Capture.Enabled {
		caps = append(caps, "capture")
	}
	if d.cfg.Storage.Enabled {
		caps = append(caps, "upload")
	}
	if d.cfg.Serial.Enabled {
		caps = append(caps, "serial-triggers")
	}
	return caps
}

// goRun runs a background loop until the daemon context ends.
func (d *Daemon) goRun(name string, fn func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(); err != nil {
			d.logger.Error().Err(err).Str("loop", name).Msg("background loop failed")
		}
	}()
}

// startMetrics serves /metrics on server.listen when configured.
func (d *Daemon) startMetrics() <-chan error {
	errCh := make(chan error, 1)
	if d.cfg.Server.Listen == "" {
		return errCh
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	d.metricsSrv = &http.Server{
		Addr:              d.cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		d.logger.Info().Str("listen", d.cfg.Server.Listen).Msg("metrics listening")
		if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// Stop signals the daemon to shut down. Safe to call from another goroutine.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Ready is closed once every subsystem has started.
func (d *Daemon) Ready() <-chan struct{} { return d.readyCh }

// State returns the shared command state.
func (d *Daemon) State() *command.State { return d.state }

// NATSClientURL returns the desk bus client URL.
func (d *Daemon) NATSClientURL() string {
	if d.nats == nil {
		return ""
	}
	return d.nats.ClientURL()
}

// NATSConnectOpts returns the options an in-process client needs.
func (d *Daemon) NATSConnectOpts() []nats.Option {
	if d.nats == nil {
		return nil
	}
	return d.nats.ClientOptions()
}

// shutdown stops the loops first, then the API, then the bus. A script that
// is still running keeps its own timeout.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.service != nil {
		d.service.Stop()
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.apiServer != nil {
		d.apiServer.Shutdown(ctx)
	}
	if d.metricsSrv != nil {
		d.metricsSrv.Shutdown(ctx)
	}
	d.wg.Wait()
	if d.service != nil {
		d.service.Wait()
	}

	if d.agent != nil {
		d.agent.Close()
	}
	if d.registry != nil {
		d.registry.Close()
	}
	if d.nats != nil {
		d.nats.Shutdown()
	}
}
