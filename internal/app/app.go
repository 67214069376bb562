package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rbright/hark/internal/audio"
	"github.com/rbright/hark/internal/cli"
	"github.com/rbright/hark/internal/config"
	"github.com/rbright/hark/internal/doctor"
	"github.com/rbright/hark/internal/ipc"
	"github.com/rbright/hark/internal/listen"
	"github.com/rbright/hark/internal/logging"
	"github.com/rbright/hark/internal/publish"
	"github.com/rbright/hark/internal/riva"
	"github.com/rbright/hark/internal/version"
	"github.com/rbright/hark/internal/watson"
)

const (
	binaryName     = "hark"
	forwardTimeout = 220 * time.Millisecond
)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	// Sources and Channels replace the PulseAudio capture and the configured
	// recognizer backend when set.
	Sources  listen.SourceOpener
	Channels listen.ChannelOpener
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText(binaryName))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText(binaryName))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	if parsed.LogLevel != "" {
		cfgLoaded.Config.Log.Level = parsed.LogLevel
	}

	logRuntime, err := logging.New(cfgLoaded.Config.Log.Level)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"backend", cfgLoaded.Config.Backend,
		"log", logRuntime.Path,
	)

	if parsed.Command.Control() {
		return r.forwardOrFail(ctx, controlCommand(parsed.Command))
	}

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandListen:
		return r.commandListen(ctx, cfgLoaded.Config, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		availability := "yes"
		if !device.Available {
			availability = "no"
		}
		muted := "no"
		if device.Muted {
			muted = "yes"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
			defaultMark,
			device.ID,
			device.Description,
			device.State,
			availability,
			muted,
		)
	}

	return 0
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}

	resp, handled, err := ipc.Forward(ctx, socketPath, ipc.CommandStatus, forwardTimeout)
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		if resp.State == "" {
			resp.State = "idle"
		}
		if resp.Message != "" && resp.Session != "" {
			fmt.Fprintf(r.Stdout, "%s session=%s %s\n", resp.State, resp.Session, resp.Message)
			return 0
		}
		fmt.Fprintln(r.Stdout, resp.State)
		return 0
	}

	fmt.Fprintln(r.Stdout, "idle")
	return 0
}

// controlCommand maps a forwarded CLI command onto its IPC request name.
func controlCommand(cmd cli.Command) string {
	switch cmd {
	case cli.CommandPause:
		return ipc.CommandPause
	case cli.CommandResume:
		return ipc.CommandResume
	default:
		return ipc.CommandStop
	}
}

func (r Runner) forwardOrFail(ctx context.Context, command string) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := ipc.Forward(ctx, socketPath, command, forwardTimeout)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: no running %s listener\n", binaryName)
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// commandListen owns the control socket and runs one listen session until it
// is stopped over IPC, the process is signalled, or the session fails.
func (r Runner) commandListen(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	channels := r.Channels
	if channels == nil {
		channels, err = channelOpener(cfg, logger)
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
	}
	sources := r.Sources
	if sources == nil {
		sources = audio.Opener{Logger: logger}
	}

	var controller *listen.Controller
	sessionID := func() string {
		if s := controller.Session(); s != nil {
			return s.ID()
		}
		return ""
	}

	sinks := listen.MultiSink{newPrinter(r.Stdout)}
	if cfg.Publish.Enable {
		conn, err := publish.Connect(cfg.Publish.NATSURL, logger)
		if err != nil {
			fmt.Fprintf(r.Stderr, "warning: transcript publishing disabled: %v\n", err)
			logger.Warn("publish disabled", "error", err)
		} else {
			defer conn.Close()
			sinks = append(sinks, publish.NewSink(conn, cfg.Publish.Subject, sessionID, logger))
		}
	}

	controller = listen.NewController(
		logger,
		settingsFromConfig(cfg),
		capabilitiesFromConfig(cfg),
		sources,
		channels,
		sessionOptions(cfg, logger)...,
	)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, controller)
	}()

	if err := controller.Listen(ctx, sinks); err != nil {
		serverCancel()
		<-serverErrCh
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("listen failed", "error", err)
		return 1
	}

	session := controller.Session()
	select {
	case <-ctx.Done():
		controller.StopListening()
	case <-session.Done():
	}

	serverCancel()
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}

	logSessionResult(logger, session)

	if err := session.Err(); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func channelOpener(cfg config.Config, logger *slog.Logger) (listen.ChannelOpener, error) {
	switch cfg.Backend {
	case config.BackendWatson:
		return watson.NewDialer(watson.Config{
			URL:         cfg.Watson.URL,
			APIKey:      cfg.Watson.APIKey,
			AccessToken: cfg.Watson.AccessToken,
		}, logger), nil
	case config.BackendRiva:
		return riva.NewDialer(riva.Config{
			Endpoint:    cfg.Riva.GRPC,
			Punctuation: true,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

func settingsFromConfig(cfg config.Config) listen.Settings {
	l := cfg.Listen
	return listen.Settings{
		Device:            l.Device,
		Fallback:          l.Fallback,
		Language:          l.Language,
		Model:             l.Model,
		CustomModelID:     l.CustomModelID,
		LanguageModelID:   l.LanguageModelID,
		InactivityTimeout: l.InactivityTimeout,
		Suppression:       l.BackgroundSuppression,
		InterimResults:    l.InterimResults,
	}
}

func capabilitiesFromConfig(cfg config.Config) listen.Capabilities {
	return listen.Capabilities{
		Microphone:  cfg.HasHardware(config.HardwareMicrophone),
		Credentials: cfg.HasCredentials(),
		Backend:     cfg.Backend,
	}
}

func sessionOptions(cfg config.Config, logger *slog.Logger) []listen.Option {
	return []listen.Option{
		listen.WithSettleDelay(time.Duration(cfg.Listen.SettleMS) * time.Millisecond),
		listen.WithReconnectPolicy(listen.ReconnectPolicy{
			MaxAttempts: cfg.Listen.Reconnect.MaxAttempts,
			Backoff:     time.Duration(cfg.Listen.Reconnect.BackoffMS) * time.Millisecond,
		}),
		listen.WithObserver(func(t listen.Transition) {
			logger.Info("listen state",
				"from", t.From,
				"to", t.To,
				"event", t.Event,
				"retry", t.RetryCount,
			)
		}),
	}
}

func logSessionResult(logger *slog.Logger, s *listen.Session) {
	if logger == nil || s == nil {
		return
	}
	fields := []any{
		"session", s.ID(),
		"state", s.State(),
		"reconnects", s.Reconnects(),
		"bytes_sent", s.BytesSent(),
		"chunks_dropped", s.Dropped(),
	}

	if err := s.Err(); err != nil {
		logger.Error("session failed", append(fields, "error", err.Error())...)
		return
	}
	logger.Info("session complete", fields...)
}
