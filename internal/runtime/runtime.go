// Package runtime assembles the kiosk: sensors, recognizers, the assistant
// goroutine, the UI loop, the bus and the HTTP surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/assistant"
	"github.com/loqalabs/loqa-kiosk/internal/bus"
	"github.com/loqalabs/loqa-kiosk/internal/capability"
	"github.com/loqalabs/loqa-kiosk/internal/catalog"
	"github.com/loqalabs/loqa-kiosk/internal/config"
	"github.com/loqalabs/loqa-kiosk/internal/conversation"
	"github.com/loqalabs/loqa-kiosk/internal/dispatch"
	"github.com/loqalabs/loqa-kiosk/internal/natsserver"
	"github.com/loqalabs/loqa-kiosk/internal/playback"
	"github.com/loqalabs/loqa-kiosk/internal/popup"
	"github.com/loqalabs/loqa-kiosk/internal/protocol"
	"github.com/loqalabs/loqa-kiosk/internal/recognition"
	"github.com/loqalabs/loqa-kiosk/internal/sampler"
	"github.com/loqalabs/loqa-kiosk/internal/stt"
	"github.com/loqalabs/loqa-kiosk/internal/tts"
	"github.com/loqalabs/loqa-kiosk/internal/vision"
	"golang.org/x/sync/errgroup"
)

const sampleBuffer = 4

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metrics     http.Handler
	tracerClose func(context.Context) error
	ready       atomic.Bool

	registry   *capability.Registry
	store      *catalog.Store
	index      *vision.Index
	engine     *assistant.Engine
	controller *playback.Controller
	hub        *popup.Hub
	embedded   *natsserver.EmbeddedServer
	busClient  *bus.Client
	services   []service
}

type service interface {
	Start() error
	Close()
	Healthy() bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the kiosk until ctx is cancelled. Errors during startup are
// returned; components that fail later degrade instead.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler
	defer r.closeTelemetry()

	r.registry = capability.NewRegistry(r.logger)

	if err := r.openCatalog(ctx); err != nil {
		return err
	}
	defer r.store.Close()

	r.connectBus(ctx)
	defer r.closeBus()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	queue := dispatch.NewQueue()
	machine := conversation.NewMachine(r.store, r.cfg.Conversation, r.logger)
	var engineOpts []assistant.Option
	if r.busClient != nil {
		engineOpts = append(engineOpts, assistant.WithPublisher(r.busClient))
	}
	r.engine = assistant.New(machine, queue, r.cfg.Consensus, r.logger, engineOpts...)

	r.index = vision.NewIndex(buildEmbedder(r.cfg.Vision, r.registry), r.cfg.Vision.MatchThreshold, r.logger)
	if err := r.rebuildIndex(ctx); err != nil {
		return err
	}

	synth := buildSynthesizer(r.cfg.TTS, r.registry)
	player := buildPlayer(r.cfg.Playback, r.registry, r.logger)
	r.controller, err = playback.NewController(gctx, synth, player, playback.Options{
		StopTimeout:  time.Duration(r.cfg.Playback.StopTimeoutMS) * time.Millisecond,
		PollInterval: time.Duration(r.cfg.Playback.PollIntervalMS) * time.Millisecond,
		CacheSize:    r.cfg.Playback.CacheSize,
		Voice:        r.cfg.TTS.Voice,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start playback: %w", err)
	}
	defer r.controller.Cleanup()

	var surface popup.Surface
	if r.cfg.UI.Surface == "log" {
		surface = popup.NewLogSurface(r.logger)
	} else {
		r.hub = popup.NewHub(r.logger)
		surface = r.hub
	}
	popups := popup.NewManager(surface, r.logger)
	dispatcher := dispatch.NewDispatcher(queue, popups, r.controller, r.logger,
		dispatch.WithInterval(time.Duration(r.cfg.UI.TickIntervalMS)*time.Millisecond),
		dispatch.WithTickHook(func() {
			for _, id := range popups.Sweep() {
				r.engine.PopupDismissed(id)
			}
		}),
	)

	if err := r.startServices(gctx); err != nil {
		return err
	}
	defer r.closeServices()

	if r.hub != nil {
		g.Go(func() error { return r.hub.Run(gctx) })
	}
	g.Go(func() error { return r.engine.Run(gctx) })
	g.Go(func() error {
		err := dispatcher.Run(gctx)
		// Popups belong to the dispatcher goroutine; close the last one here.
		popups.Close()
		return err
	})

	r.startSensors(gctx, g)

	if r.cfg.Catalog.Watch {
		if err := r.startWatcher(gctx, g); err != nil {
			// Goroutines already in g must exit before the deferred teardown.
			stop()
			_ = g.Wait()
			return err
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		metricsServer := &http.Server{Addr: bind, Handler: r.metrics, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Warn("metrics server failed", slog.String("error", err.Error()))
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsServer.Close()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Int("products", r.index.Len()),
		slog.Bool("bus", r.busClient != nil),
	)

	return g.Wait()
}

func (r *Runtime) openCatalog(ctx context.Context) error {
	store, err := catalog.Open(ctx, r.cfg.Catalog.DBPath, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	count, err := catalog.Sync(ctx, store, r.cfg.Catalog.SpecDir, r.cfg.Catalog.ImageDir, r.logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	if count == 0 {
		_ = store.Close()
		return fmt.Errorf("catalog %s has no products", r.cfg.Catalog.SpecDir)
	}
	r.store = store
	return nil
}

func (r *Runtime) rebuildIndex(ctx context.Context) error {
	products, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list products: %w", err)
	}
	if _, err := r.index.Build(ctx, products); err != nil {
		return fmt.Errorf("failed to build vision index: %w", err)
	}
	return nil
}

func (r *Runtime) startWatcher(ctx context.Context, g *errgroup.Group) error {
	watcher, err := catalog.NewWatcher(r.store, r.cfg.Catalog.SpecDir, r.cfg.Catalog.ImageDir, r.logger, func(count int) {
		if err := r.rebuildIndex(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("vision index rebuild failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch catalog: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch catalog: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		return watcher.Close()
	})
	return nil
}

func (r *Runtime) startSensors(ctx context.Context, g *errgroup.Group) {
	if r.cfg.Audio.Enabled {
		source, err := sampler.NewAudioSource(r.cfg.Audio)
		if err != nil {
			r.registry.MarkDegraded(capability.Microphone, err)
			source = sampler.NewSilenceSource(r.cfg.Audio.SampleRate, r.cfg.Audio.Channels)
		}
		audio := sampler.NewAudioSampler(source, sampler.SegmenterOptions{
			SampleRate:       r.cfg.Audio.SampleRate,
			Channels:         r.cfg.Audio.Channels,
			FrameDurationMS:  r.cfg.Audio.FrameDurationMS,
			WindowFrames:     r.cfg.Audio.SpeechWindowFrames,
			RatioThreshold:   r.cfg.Audio.SpeechRatioThreshold,
			MaxSilenceFrames: r.cfg.Audio.MaxSilenceFrames,
			EnergyThreshold:  r.cfg.Audio.EnergyThreshold,
		}, r.registry, r.logger)
		segments := make(chan sampler.Sample, sampleBuffer)
		worker := recognition.NewAudioWorker(buildRecognizer(r.cfg.STT, r.registry), func(ctx context.Context, t recognition.Transcript) {
			r.submit(r.engine.SubmitTranscript(ctx, t))
		}, r.logger)
		g.Go(func() error { return audio.Run(ctx, segments) })
		g.Go(func() error { return worker.Run(ctx, segments) })
	}

	if r.cfg.Video.Enabled {
		camera, err := sampler.NewCamera(r.cfg.Video)
		video := sampler.NewVideoSampler(camera, r.cfg.Video, r.registry, r.logger)
		if err != nil {
			video.Degrade(err)
		}
		frames := make(chan sampler.Sample, sampleBuffer)
		worker := recognition.NewVideoWorker(r.index, func(ctx context.Context, v recognition.Visual) {
			r.submit(r.engine.SubmitVisual(ctx, v))
		}, r.logger)
		g.Go(func() error { return video.Run(ctx, frames) })
		g.Go(func() error { return worker.Run(ctx, frames) })
	}
}

func (r *Runtime) submit(err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, assistant.ErrStopped) {
		return
	}
	r.logger.Warn("failed to submit to assistant", slog.String("error", err.Error()))
}

func (r *Runtime) connectBus(ctx context.Context) {
	if !r.cfg.Bus.Enabled {
		return
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			r.registry.MarkDegraded(capability.Bus, err)
			return
		}
		r.embedded = srv
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		r.registry.MarkDegraded(capability.Bus, err)
		return
	}
	r.busClient = client
	r.registry.SetPublisher(client)
	r.registry.MarkOK(capability.Bus)
}

func (r *Runtime) closeBus() {
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
}

func (r *Runtime) startServices(ctx context.Context) error {
	if r.busClient == nil {
		return nil
	}
	r.services = []service{
		stt.NewService(ctx, r.busClient, func(ctx context.Context, t protocol.Transcript) {
			r.submit(r.engine.SubmitTranscript(ctx, transcriptFromBus(t)))
		}, r.logger),
		tts.NewService(r.busClient, r.controller, r.logger),
		newQueryResponder(ctx, r.busClient, r.engine, r.logger),
	}
	for _, svc := range r.services {
		if err := svc.Start(); err != nil {
			return fmt.Errorf("failed to start bus service: %w", err)
		}
	}
	return nil
}

func (r *Runtime) closeServices() {
	for i := len(r.services) - 1; i >= 0; i-- {
		r.services[i].Close()
	}
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
