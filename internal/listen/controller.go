package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rbright/hark/internal/fsm"
	"github.com/rbright/hark/internal/ipc"
	"github.com/rbright/hark/internal/logging"
)

// Capabilities records what the robot was configured with.
type Capabilities struct {
	Microphone  bool
	Credentials bool
	// Backend names the recognizer in capability errors.
	Backend string
}

func (c Capabilities) missing() []string {
	var out []string
	if !c.Microphone {
		out = append(out, "microphone")
	}
	if !c.Credentials {
		name := "recognition"
		if c.Backend != "" {
			name = c.Backend
		}
		out = append(out, name+" credentials")
	}
	return out
}

// Controller is the robot-facing façade. It owns at most one live Session.
type Controller struct {
	logger   *slog.Logger
	settings Settings
	caps     Capabilities
	sources  SourceOpener
	channels ChannelOpener
	opts     []Option

	mu      sync.Mutex
	session *Session
}

// NewController wires the openers used for every session it starts.
func NewController(
	logger *slog.Logger,
	settings Settings,
	caps Capabilities,
	sources SourceOpener,
	channels ChannelOpener,
	opts ...Option,
) *Controller {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Controller{
		logger:   logger,
		settings: settings,
		caps:     caps,
		sources:  sources,
		channels: channels,
		opts:     opts,
	}
}

// Listen starts a session that feeds sink. It returns a *CapabilityError when
// the microphone or credentials are missing and ErrAlreadyListening while a
// session is live. A session that is still stopping is waited for.
func (c *Controller) Listen(ctx context.Context, sink Sink) error {
	if missing := c.caps.missing(); len(missing) > 0 {
		return &CapabilityError{Missing: missing}
	}
	if sink == nil {
		return errors.New("listen: sink is required")
	}

	s, err := c.claim(ctx, sink)
	if err != nil {
		return err
	}

	c.logger.Info("listen requested",
		"session", s.ID(),
		"device", c.settings.Device,
		"language", c.settings.Language,
		"content_type", c.settings.ContentType(),
	)
	return s.Start(ctx)
}

// claim installs a new session once the previous one, if any, has released
// the device. A stopping session owns the microphone until its settle delay
// ends.
func (c *Controller) claim(ctx context.Context, sink Sink) (*Session, error) {
	for {
		c.mu.Lock()
		prev := c.session
		if prev != nil {
			if !prev.State().Terminal() {
				c.mu.Unlock()
				return nil, ErrAlreadyListening
			}
			select {
			case <-prev.Released():
			default:
				c.mu.Unlock()
				c.logger.Info("waiting for previous listen session to release the device", "session", prev.ID())
				select {
				case <-prev.Released():
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		s := NewSession(c.logger, c.settings, sink, c.sources, c.channels, c.opts...)
		c.session = s
		c.mu.Unlock()
		return s, nil
	}
}

// PauseListening pauses the live session.
func (c *Controller) PauseListening() error {
	s := c.live()
	if s == nil {
		c.logger.Info("pause requested with no active listen session")
		return ErrNotListening
	}
	return s.Pause()
}

// ResumeListening resumes the paused session.
func (c *Controller) ResumeListening() error {
	s := c.live()
	if s == nil {
		c.logger.Info("resume requested with no active listen session")
		return ErrNotListening
	}
	return s.Resume()
}

// StopListening stops the current session and blocks for its settle delay.
func (c *Controller) StopListening() {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil || s.State() == fsm.StateStopped {
		c.logger.Info("stop requested with no active listen session")
		return
	}
	s.Stop()
}

// State reports the current session state, or idle when none exists.
func (c *Controller) State() fsm.State {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return fsm.StateIdle
	}
	return s.State()
}

// Session returns the most recent session, or nil.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) live() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || !c.session.State().Live() {
		return nil
	}
	return c.session
}

// Handle serves IPC commands for the running listener.
func (c *Controller) Handle(_ context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case ipc.CommandStatus:
		resp := ipc.Response{OK: true, State: string(c.State()), Message: c.statusMessage()}
		if s := c.Session(); s != nil {
			resp.Session = s.ID()
		}
		return resp
	case ipc.CommandPause:
		return c.respond(c.PauseListening(), "paused")
	case ipc.CommandResume:
		return c.respond(c.ResumeListening(), "resumed")
	case ipc.CommandStop:
		if c.State() == fsm.StateIdle || c.State() == fsm.StateStopped {
			return ipc.Response{OK: false, State: string(c.State()), Error: ErrNotListening.Error()}
		}
		go c.StopListening()
		return ipc.Response{OK: true, State: string(c.State()), Message: "stop requested"}
	default:
		return ipc.Response{OK: false, State: string(c.State()), Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (c *Controller) respond(err error, message string) ipc.Response {
	if err != nil {
		return ipc.Response{OK: false, State: string(c.State()), Error: err.Error()}
	}
	return ipc.Response{OK: true, State: string(c.State()), Message: message}
}

func (c *Controller) statusMessage() string {
	s := c.Session()
	if s == nil {
		return "no session"
	}
	return fmt.Sprintf("retries=%d reconnects=%d bytes_sent=%d", s.RetryCount(), s.Reconnects(), s.BytesSent())
}
