package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio/decoder"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/capture/pamic"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/filetx"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/output"
	"github.com/loqalabs/loqa-dictate/internal/presence"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/loqalabs/loqa-dictate/internal/settings"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"github.com/nats-io/nats.go"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	opener capture.Opener

	httpServer     *http.Server
	metricsServer  *http.Server
	metricsHandler http.Handler
	tracerClose    func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	events     bus.Publisher
	history    *history.Store
	settings   *settings.Store
	dictionary *settings.Dictionary
	engine     *stt.Holder
	owner      *capture.Owner
	session    *session.Controller
	files      *filetx.Service
	presence   *presence.Registry
	subs       []*nats.Subscription
	portaudio  bool
}

type Option func(*Runtime)

// WithOpener replaces the PortAudio microphone with another capture device.
func WithOpener(open capture.Opener) Option {
	return func(r *Runtime) { r.opener = open }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		events: bus.Discard,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	if err := r.build(ctx); err != nil {
		r.teardown()
		r.closeTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("engine", r.engine.Name()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.teardown()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// build wires every component. On error, whatever was already created is
// left for teardown.
func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg

	ns, err := natsserver.Start(cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.natsServer = ns
	if ns != nil {
		cfg.Bus.Servers = []string{ns.ClientURL()}
	}
	if cfg.Bus.Enabled {
		client, err := bus.Connect(ctx, cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.bus = client
		r.events = client
	}

	r.history, err = history.Open(ctx, cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}

	r.settings = settings.NewStore(cfg.Settings.Path, r.logger)
	r.dictionary = settings.NewDictionary(cfg.Settings.DictionaryPath)
	prefs := r.settings.Load()

	words, err := r.dictionary.Words()
	if err != nil {
		r.logger.Warn("failed to read dictionary", slog.String("error", err.Error()))
	}
	engineCfg := cfg.Engine
	if lang := prefs.EffectiveLanguage(); lang != "" {
		engineCfg.Language = lang
	}
	engine, err := stt.New(engineCfg, words, r.logger)
	if err != nil {
		return fmt.Errorf("load speech engine: %w", err)
	}
	r.engine = stt.NewHolder(engine)

	open := r.opener
	if open == nil {
		if err := pamic.Init(); err != nil {
			return err
		}
		r.portaudio = true
		open = pamic.Opener(cfg.Capture, r.logger)
	}
	r.owner = capture.NewOwner(open, cfg.Capture.QueueSize, r.logger)

	sink, err := output.New(cfg.Output, prefs.AutoPasteEnabled, r.logger)
	if err != nil {
		return fmt.Errorf("init output: %w", err)
	}

	r.session = session.NewController(ctx, capture.NewClient(r.owner), r.engine, sink, r.events,
		r.settings, r.history, session.OptionsFromConfig(cfg), cfg.Streaming.Enabled, r.logger)
	r.files = filetx.NewService(decoder.New(r.logger), r.engine, r.events, r.logger)

	if r.bus != nil {
		if err := r.subscribeControl(); err != nil {
			return err
		}
		r.presence, err = presence.NewRegistry(ctx, cfg.Node, r.bus, filetx.SupportedFormats(), r.status, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
	}
	return nil
}

func (r *Runtime) status() presence.Status {
	return presence.Status{Engine: r.engine.Name(), Recording: r.session.Recording()}
}

func (r *Runtime) teardown() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
	if r.presence != nil {
		r.presence.Close()
	}
	if r.session != nil {
		r.session.Close()
	}
	if r.owner != nil {
		r.owner.Close()
	}
	if r.portaudio {
		pamic.Terminate()
	}
	if r.engine != nil {
		if err := r.engine.Close(); err != nil {
			r.logger.Warn("engine close error", slog.String("error", err.Error()))
		}
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("history close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// swapEngine loads a new engine and installs it once in-flight inference
// on the old one has finished.
func (r *Runtime) swapEngine(mode, modelPath string) error {
	cfg := r.cfg.Engine
	cfg.Mode = mode
	if modelPath != "" {
		cfg.ModelPath = modelPath
	}
	words, err := r.dictionary.Words()
	if err != nil {
		r.logger.Warn("failed to read dictionary", slog.String("error", err.Error()))
	}
	prefs := r.settings.Load()
	if lang := prefs.EffectiveLanguage(); lang != "" {
		cfg.Language = lang
	}
	engine, err := stt.New(cfg, words, r.logger)
	if err != nil {
		return err
	}
	if err := r.engine.Swap(engine); err != nil {
		r.logger.Warn("previous engine close error", slog.String("error", err.Error()))
	}
	prefs.Engine = mode
	if err := r.settings.Save(prefs); err != nil {
		r.logger.Warn("failed to persist engine choice", slog.String("error", err.Error()))
	}
	return nil
}
