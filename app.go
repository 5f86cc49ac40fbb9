package main

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/audio"
	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/capture"
	"github.com/normanking/cortexcompanion/internal/config"
	"github.com/normanking/cortexcompanion/internal/console"
	"github.com/normanking/cortexcompanion/internal/dialogue"
	"github.com/normanking/cortexcompanion/internal/gloss"
	"github.com/normanking/cortexcompanion/internal/logging"
	"github.com/normanking/cortexcompanion/internal/metrics"
	"github.com/normanking/cortexcompanion/internal/server"
	"github.com/normanking/cortexcompanion/internal/speech"
	"github.com/normanking/cortexcompanion/internal/stt"
	"github.com/normanking/cortexcompanion/internal/tts"
	"github.com/normanking/cortexcompanion/internal/turn"
)

// App holds the running component graph.
type App struct {
	manager    *config.Manager
	syslog     *logging.Logger
	eventBus   *bus.EventBus
	metrics    *metrics.Collector
	controller *turn.Controller
	server     *server.Server
	console    *console.Console
	logger     zerolog.Logger
}

// newApp wires every component from the current configuration.
func newApp(manager *config.Manager, syslog *logging.Logger, withConsole bool) *App {
	cfg := manager.Config()
	zlog := syslog.Zerolog()

	eventBus := bus.NewEventBus()
	collector := metrics.NewCollector()

	client := dialogue.NewClient(&dialogue.ClientConfig{
		BaseURL: cfg.Dialogue.BaseURL,
		Timeout: cfg.Dialogue.Timeout,
	}, zlog)

	speaker := newSpeaker(cfg, zlog, newSynthesizer(cfg, zlog))
	capturer := newCapturer(cfg, zlog)

	controller := turn.New(zlog, turn.Config{
		Dialogue:   client,
		Speaker:    speaker,
		Capturer:   capturer,
		Dictionary: gloss.Default().Merge(cfg.Gloss.Overrides),
		Bus:        eventBus,
	})

	srv := server.New(zlog, &server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: server.DefaultConfig().ShutdownTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, controller, server.Options{
		Bus:     eventBus,
		Metrics: collector.Handler(),
		Logs:    syslog,
	})

	app := &App{
		manager:    manager,
		syslog:     syslog,
		eventBus:   eventBus,
		metrics:    collector,
		controller: controller,
		server:     srv,
		logger:     syslog.Component("app"),
	}
	if withConsole || cfg.Console.Enabled {
		app.console = console.New(zlog, controller, os.Stdin, os.Stdout)
	}
	return app
}

// newSynthesizer returns the local engine, or nil when none is installed.
func newSynthesizer(cfg *config.Config, zlog zerolog.Logger) tts.Synthesizer {
	synth, err := tts.NewSystemSynthesizer(zlog, &tts.SystemConfig{Engine: cfg.TTS.Engine})
	if err != nil {
		zlog.Warn().Err(err).Msg("Local speech disabled")
		return nil
	}
	return synth
}

// newSpeaker builds speech output over synth and the remote /tts fallback.
// synth may be nil.
func newSpeaker(cfg *config.Config, zlog zerolog.Logger, synth tts.Synthesizer) *speech.Speaker {
	var clips speech.ClipSource
	if cfg.TTS.BaseURL != "" {
		clips = tts.NewRemoteClient(zlog, &tts.RemoteConfig{
			BaseURL: cfg.TTS.BaseURL,
			Timeout: cfg.TTS.Timeout,
		})
	}
	player := audio.NewPlayer(zlog, &audio.Config{
		Command: cfg.TTS.Player,
		Rate:    cfg.TTS.Rate,
	})

	return speech.NewSpeaker(zlog, &speech.Config{
		Mode:      speech.Mode(cfg.TTS.Mode),
		Locale:    cfg.TTS.Locale,
		VoiceHint: cfg.TTS.VoiceHint,
		Rate:      cfg.TTS.Rate,
	}, synth, clips, player)
}

func newCapturer(cfg *config.Config, zlog zerolog.Logger) *capture.Capturer {
	provider := stt.NewWhisperAPIProvider(zlog, &stt.WhisperAPIConfig{
		BaseURL: cfg.STT.BaseURL,
		APIKey:  cfg.STT.APIKey,
		Model:   cfg.STT.Model,
		Timeout: cfg.STT.Timeout,
	})
	rec := capture.NewCommandRecognizer(zlog, &capture.RecorderConfig{
		Command:         cfg.Capture.Recorder,
		MaxSeconds:      cfg.Capture.MaxSeconds,
		SpeechThreshold: cfg.Capture.SpeechThreshold,
		FillerWords:     cfg.Capture.FillerWords,
	}, provider)
	return capture.NewCapturer(zlog, rec, &capture.Config{Locale: cfg.Capture.Locale})
}

// Run starts the turn loop, the HTTP server and the console, and blocks
// until ctx is cancelled, the console quits or a component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopMetrics := a.metrics.Subscribe(a.eventBus)
	defer stopMetrics()

	a.manager.Watch(a.logger, func(cfg *config.Config) { a.reload(ctx, cfg) })

	errs := make(chan error, 3)
	running := 0
	start := func(name string, run func(context.Context) error) {
		running++
		go func() {
			err := run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error().Err(err).Str("part", name).Msg("Component stopped")
			}
			// Any component ending takes the rest down with it.
			cancel()
			errs <- err
		}()
	}

	start("turn", a.controller.Run)
	start("server", a.server.Run)
	if a.console != nil {
		unsubscribe := a.console.Subscribe(a.eventBus)
		defer unsubscribe()
		start("console", a.console.Run)
	}

	a.logger.Info().Msg("Companion running")

	var first error
	for i := 0; i < running; i++ {
		if err := <-errs; err != nil && !errors.Is(err, context.Canceled) && first == nil {
			first = err
		}
	}
	a.logger.Info().Msg("Companion stopped")
	return first
}

// reload applies the settings that can change without a restart.
func (a *App) reload(ctx context.Context, cfg *config.Config) {
	logging.SetLevel(logging.LogLevel(cfg.Logging.Level))

	dict := gloss.Default().Merge(cfg.Gloss.Overrides)
	if err := a.controller.SetDictionary(ctx, dict); err != nil {
		a.logger.Warn().Err(err).Msg("Could not apply gloss overrides")
	}

	a.eventBus.Publish(bus.Event{
		Type: bus.EventTypeConfigReloaded,
		Data: map[string]any{"file": a.manager.File(), "level": cfg.Logging.Level},
	})
}
