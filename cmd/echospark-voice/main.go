package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"github.com/EchoLoomAI/EchoSpark/internal/clock"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/agentctl"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/config"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/credentials"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/extract/gemini"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/fanout"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/handlers"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/lifecycle"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/markers"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/media"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/metrics"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/server"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/session"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/signaling"
	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/store/postgres"
)

const name = "echospark-voice"

// archiveStore is what the service needs from the transcript archive.
type archiveStore interface {
	session.TranscriptSink
	session.ProfileSink
	handlers.ArchiveReader
	Migrate(ctx context.Context) error
	Close()
}

type serviceDeps struct {
	loadConfig   func() (config.Config, error)
	openArchive  func(ctx context.Context, dsn string, logger *slog.Logger) (archiveStore, error)
	newFallback  func(ctx context.Context, cfg gemini.Config) (markers.FallbackExtractor, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServiceDeps() serviceDeps {
	return serviceDeps{
		loadConfig: config.LoadFromEnv,
		openArchive: func(ctx context.Context, dsn string, logger *slog.Logger) (archiveStore, error) {
			return postgres.Open(ctx, dsn, logger)
		},
		newFallback: func(ctx context.Context, cfg gemini.Config) (markers.FallbackExtractor, error) {
			return gemini.New(ctx, cfg)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

type cliFlags struct {
	envFile   string
	addr      string
	logLevel  string
	logFormat string
	presets   string
	help      bool

	set *pflag.FlagSet
}

func parseFlags(args []string, out io.Writer) (cliFlags, error) {
	var f cliFlags
	f.set = pflag.NewFlagSet(name, pflag.ContinueOnError)
	f.set.SetOutput(out)
	f.set.StringVar(&f.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	f.set.StringVar(&f.addr, "addr", "", "listen address (overrides ECHOSPARK_ADDR)")
	f.set.StringVar(&f.logLevel, "log-level", "", "debug|info|warn|error (overrides ECHOSPARK_LOG_LEVEL)")
	f.set.StringVar(&f.logFormat, "log-format", "", "text|json (overrides ECHOSPARK_LOG_FORMAT)")
	f.set.StringVar(&f.presets, "presets", "", "scenario presets file, .yaml or .json (overrides ECHOSPARK_PRESETS)")
	f.set.BoolVarP(&f.help, "help", "h", false, "show help")
	if err := f.set.Parse(args); err != nil {
		return f, err
	}
	if rest := f.set.Args(); len(rest) > 0 {
		return f, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return f, nil
}

// apply overrides cfg with every flag given on the command line.
func (f cliFlags) apply(cfg *config.Config) error {
	if f.set == nil {
		return nil
	}
	if f.set.Changed("addr") {
		cfg.Addr = f.addr
	}
	if f.set.Changed("log-level") {
		level := strings.ToLower(f.logLevel)
		if _, err := parseLevel(level); err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if f.set.Changed("log-format") {
		format := strings.ToLower(f.logFormat)
		if format != "text" && format != "json" {
			return fmt.Errorf("--log-format must be one of text|json")
		}
		cfg.LogFormat = format
	}
	if f.set.Changed("presets") {
		cfg.PresetsPath = f.presets
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("--log-level must be one of debug|info|warn|error")
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runService(ctx context.Context, logOut io.Writer, flags cliFlags, deps serviceDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := flags.apply(&cfg); err != nil {
		return err
	}
	logger := newLogger(logOut, cfg)

	presets, err := config.LoadPresets(cfg.PresetsPath)
	if err != nil {
		return fmt.Errorf("load presets: %w", err)
	}
	if _, ok := presets.Lookup(cfg.DefaultScenario); !ok {
		return fmt.Errorf("default scenario %q has no preset (have %s)", cfg.DefaultScenario, strings.Join(presets.Names(), ", "))
	}

	m := metrics.New(cfg.MetricsNamespace)
	httpClient := &http.Client{Timeout: cfg.StartTimeout}

	credOpts := []credentials.Option{
		credentials.WithHTTPClient(httpClient),
		credentials.WithAppID(cfg.AppID),
		credentials.WithTTL(cfg.TokenTTL),
	}
	if cfg.CredentialsBearer != "" {
		credOpts = append(credOpts, credentials.WithBearer(cfg.CredentialsBearer))
	}
	agentOpts := []agentctl.Option{
		agentctl.WithHTTPClient(httpClient),
		agentctl.WithAppID(cfg.AppID),
	}
	if cfg.AgentAPIKey != "" {
		agentOpts = append(agentOpts, agentctl.WithBasicAuth(cfg.AgentAPIKey, cfg.AgentAPISecret))
	}
	if cfg.AgentAPIBearer != "" {
		agentOpts = append(agentOpts, agentctl.WithBearer(cfg.AgentAPIBearer))
	}

	sessionDeps := session.Dependencies{
		Credentials: credentials.NewClient(cfg.CredentialsURL, credOpts...),
		NewSignaling: func() session.SignalingChannel {
			return signaling.New(signaling.Config{
				URL:          cfg.SignalingURL,
				AppID:        cfg.AppID,
				PingInterval: cfg.SignalingPingInterval,
				WriteTimeout: cfg.SignalingWriteTimeout,
				Logger:       logger.With("component", "signaling"),
			})
		},
		NewAudio: func() session.AudioTransport {
			return media.New(media.Config{
				GatewayURL:    cfg.MediaGatewayURL,
				ICEServers:    cfg.ICEServers,
				GatherTimeout: cfg.ICEGatherTimeout,
				HTTPClient:    httpClient,
				Logger:        logger.With("component", "media"),
			})
		},
		Agents:         agentctl.NewClient(cfg.AgentAPIURL, agentOpts...),
		Presets:        presets,
		Config:         cfg.Session(),
		Clock:          clock.Real(),
		Logger:         logger.With("component", "session"),
		Metrics:        m,
		TracerProvider: otel.GetTracerProvider(),
	}

	features := map[string]bool{"archive": false, "fallback": false}
	var archive archiveStore
	if cfg.DatabaseURL != "" && deps.openArchive != nil {
		archive, err = deps.openArchive(ctx, cfg.DatabaseURL, logger.With("component", "archive"))
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer archive.Close()
		if cfg.MigrateOnStart {
			if err := archive.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate archive: %w", err)
			}
		}
		sessionDeps.Sink = archive
		features["archive"] = true
	}
	if cfg.GeminiAPIKey != "" && deps.newFallback != nil {
		fallback, err := deps.newFallback(ctx, gemini.Config{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
			Logger: logger.With("component", "fallback"),
		})
		if err != nil {
			return fmt.Errorf("profile fallback: %w", err)
		}
		sessionDeps.Fallback = fallback
		features["fallback"] = true
	}

	orch, err := session.New(sessionDeps)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	lc := &lifecycle.Lifecycle{}
	hub := fanout.NewHub(cfg.WSSubscriberBuffer, logger.With("component", "events"))
	srvDeps := server.Deps{
		Sessions:  orch,
		Hub:       hub,
		Lifecycle: lc,
		Metrics:   m,
		Features:  features,
	}
	if archive != nil {
		srvDeps.Archive = archive
	}
	srv := server.New(cfg, logger, srvDeps)
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(runCtx) }()
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(runCtx, orch.Events())
	}()

	logger.Info("starting voice session service",
		"addr", cfg.Addr,
		"default_scenario", cfg.DefaultScenario,
		"archive", features["archive"],
		"fallback", features["fallback"],
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()
	lc.SetRunning(true)

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	var serveErr error
	listening := true
	select {
	case serveErr = <-listenErrCh:
		listening = false
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining(true)
	warned := hub.WarnAll("draining", "server is shutting down")
	logger.Info("draining", "subscribers_warned", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := orch.StopSession(shutdownCtx); err != nil {
		logger.Warn("session stop incomplete", "error", err)
	}

	hub.CloseAll()
	if !hub.Wait(shutdownCtx) {
		logger.Warn("event subscribers did not close before the grace period", "remaining", hub.Count())
	}

	cancelRun()
	<-runDone
	<-hubDone
	lc.SetRunning(false)

	if listening {
		serveErr = <-listenErrCh
	}
	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	logger.Info("voice session service stopped")
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps serviceDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	flags, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) || (err == nil && flags.help) {
		fmt.Fprintf(stderr, "Usage: %s [flags]\n\n%s", name, flags.set.FlagUsages())
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 2
	}

	if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "%s: load %s: %v\n", name, flags.envFile, err)
		return 1
	}

	if err := runService(ctx, stderr, flags, deps); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultServiceDeps()))
}
