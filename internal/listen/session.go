// Package listen runs continuous microphone-to-recognizer sessions.
package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rbright/hark/internal/fsm"
	"github.com/rbright/hark/internal/logging"
)

// DefaultSettleDelay is observed after the device is released on Stop.
const DefaultSettleDelay = time.Second

const deliveryBuffer = 64

var (
	errSourceClosed  = errors.New("audio source closed")
	errChannelClosed = errors.New("recognition channel closed")
)

// Transition is reported to observers for every state change.
type Transition struct {
	From       fsm.State
	To         fsm.State
	Event      fsm.Event
	RetryCount int
}

// ReconnectPolicy bounds automatic reconnection. The zero value retries
// forever without delay.
type ReconnectPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Option customizes a Session.
type Option func(*Session)

// WithSettleDelay overrides DefaultSettleDelay.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Session) { s.settle = d }
}

// WithReconnectPolicy overrides the unbounded default.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithObserver registers fn to receive every transition.
func WithObserver(fn func(Transition)) Option {
	return func(s *Session) { s.observe = fn }
}

type commandKind int

const (
	cmdPause commandKind = iota + 1
	cmdResume
)

func (k commandKind) String() string {
	switch k {
	case cmdPause:
		return "pause"
	case cmdResume:
		return "resume"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

type command struct {
	kind  commandKind
	reply chan error
}

// Session owns one Source and Channel pairing at a time and moves them
// through the listen state machine.
type Session struct {
	id       string
	logger   *slog.Logger
	settings Settings
	sink     Sink
	sources  SourceOpener
	channels ChannelOpener
	settle   time.Duration
	policy   ReconnectPolicy
	observe  func(Transition)

	mu         sync.RWMutex
	state      fsm.State
	started    bool
	retryCount int
	reconnects int
	err        error
	// pumpExit is closed when the current attempt stops reading cmds.
	pumpExit chan struct{}

	bytesSent atomic.Int64
	dropped   atomic.Int64

	cmds       chan command
	deliveries chan Transcript
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once

	released    chan struct{}
	releaseOnce sync.Once
}

// NewSession builds an idle session. Settings are copied and fixed for the
// session lifetime.
func NewSession(
	logger *slog.Logger,
	settings Settings,
	sink Sink,
	sources SourceOpener,
	channels ChannelOpener,
	opts ...Option,
) *Session {
	if logger == nil {
		logger = logging.Discard()
	}
	if sink == nil {
		sink = SinkFunc(func(Transcript) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         uuid.NewString(),
		settings:   settings,
		sink:       sink,
		sources:    sources,
		channels:   channels,
		settle:     DefaultSettleDelay,
		state:      fsm.StateIdle,
		cmds:       make(chan command),
		deliveries: make(chan Transcript, deliveryBuffer),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		released:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.With("session", s.id)
	return s
}

func (s *Session) ID() string {
	return s.id
}

// State returns the current FSM state snapshot.
func (s *Session) State() fsm.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// RetryCount is the number of consecutive reconnects since the last Active.
func (s *Session) RetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount
}

// Reconnects is the total number of reconnects over the session lifetime.
func (s *Session) Reconnects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnects
}

// Err returns the terminal error once the session has Failed.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// BytesSent counts audio bytes written to recognition channels.
func (s *Session) BytesSent() int64 {
	return s.bytesSent.Load()
}

// Dropped counts audio chunks discarded because the session was not Active.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// Done is closed once a started session has released its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Released is closed once the session no longer holds the device: after
// Stop returns, settle delay included, or after the session Failed.
func (s *Session) Released() <-chan struct{} {
	return s.released
}

func (s *Session) markReleased() {
	s.releaseOnce.Do(func() { close(s.released) })
}

// Start moves Idle to Starting and returns once the first open attempt
// resolves. Transport failures are absorbed and retried in the background;
// anything else fails the session and is returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	from := s.state
	next, err := fsm.Transition(from, fsm.EventStart)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.started = true
	s.mu.Unlock()
	s.notify(Transition{From: from, To: next, Event: fsm.EventStart})

	first := make(chan error, 1)
	go s.deliver()
	go s.run(first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	}
}

// Pause suspends the audio source. Only valid while Active.
func (s *Session) Pause() error {
	return s.request(cmdPause, fsm.StateActive)
}

// Resume restarts the audio source. Only valid while Paused.
func (s *Session) Resume() error {
	return s.request(cmdResume, fsm.StatePaused)
}

// Stop releases the source and channel from any state and blocks for the
// settle delay when a device was held. Repeated calls are no-ops.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		from := s.state
		next, _ := fsm.Transition(from, fsm.EventStop)
		s.state = next
		started := s.started
		s.mu.Unlock()
		s.notify(Transition{From: from, To: next, Event: fsm.EventStop})

		s.cancel()
		if started {
			<-s.done
		}
		if from.Live() && s.settle > 0 {
			time.Sleep(s.settle)
		}
		s.logger.Info("listen session stopped", "from", from, "bytes_sent", s.bytesSent.Load())
		s.markReleased()
	})
}

func (s *Session) request(kind commandKind, want fsm.State) error {
	s.mu.RLock()
	state, exit := s.state, s.pumpExit
	s.mu.RUnlock()
	if state != want {
		return fmt.Errorf("cannot %s from state %s", kind, state)
	}

	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-exit:
		// The attempt ended (transport failure or stop) before taking the command.
		return fmt.Errorf("cannot %s from state %s", kind, s.State())
	case <-s.done:
		return ErrSessionStopped
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrSessionStopped
	}
}

func (s *Session) run(first chan<- error) {
	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}
	defer func() {
		if s.State() == fsm.StateFailed {
			s.markReleased()
		}
	}()
	defer close(s.done)
	defer close(s.deliveries)
	defer func() { report(ErrSessionStopped) }()

	for {
		src, ch, err := s.open()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if !IsTransport(err) {
				s.fail(err)
				report(err)
				return
			}
			report(nil)
			if !s.reconnect(err, nil, nil) {
				return
			}
			continue
		}

		exit := make(chan struct{})
		s.mu.Lock()
		s.pumpExit = exit
		s.mu.Unlock()

		if err := s.transition(fsm.EventOpened); err != nil {
			close(exit)
			s.release(src, ch)
			return
		}
		s.logger.Info("listening", "channels", s.settings.Channels(), "language", s.settings.Language)
		report(nil)

		cause := s.pump(src, ch)
		close(exit)
		if cause == nil {
			s.release(src, ch)
			return
		}
		if !s.reconnect(cause, src, ch) {
			return
		}
	}
}

// open builds a fresh channel and source. The channel is opened first so the
// device is not captured before the recognizer is ready.
func (s *Session) open() (Source, Channel, error) {
	ch, err := s.channels.OpenChannel(s.ctx, s.settings.ChannelConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("open recognition channel: %w", err)
	}

	src, err := s.sources.OpenSource(s.ctx, s.settings.AudioConfig())
	if err != nil {
		s.release(nil, ch)
		return nil, nil, fmt.Errorf("open audio source: %w", err)
	}
	if err := src.Start(s.ctx); err != nil {
		s.release(src, ch)
		return nil, nil, fmt.Errorf("start audio source: %w", err)
	}
	return src, ch, nil
}

// pump forwards audio and transcripts until the session is stopped (nil) or
// either side fails (the transport cause).
func (s *Session) pump(src Source, ch Channel) error {
	audio := src.Events()
	results := ch.Events()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case cmd := <-s.cmds:
			cmd.reply <- s.apply(cmd, src)
		case ev, ok := <-audio:
			if !ok {
				return Transport(errSourceClosed)
			}
			switch ev.Kind {
			case AudioData:
				if s.State() != fsm.StateActive {
					s.dropped.Add(1)
					continue
				}
				if err := ch.Send(ev.Chunk); err != nil {
					return Transport(fmt.Errorf("send audio: %w", err))
				}
				s.bytesSent.Add(int64(len(ev.Chunk)))
			case AudioError:
				return Transport(fmt.Errorf("audio device: %w", ev.Err))
			}
		case ev, ok := <-results:
			if !ok {
				return Transport(errChannelClosed)
			}
			switch ev.Kind {
			case ChannelTranscript:
				if s.State() != fsm.StateActive {
					s.logger.Debug("transcript dropped", "state", s.State(), "final", ev.Transcript.Final)
					continue
				}
				select {
				case s.deliveries <- ev.Transcript:
				case <-s.ctx.Done():
					return nil
				}
			case ChannelClosed:
				return Transport(errChannelClosed)
			case ChannelError:
				return Transport(ev.Err)
			}
		}
	}
}

func (s *Session) apply(cmd command, src Source) error {
	switch cmd.kind {
	case cmdPause:
		if err := s.transition(fsm.EventPause); err != nil {
			return err
		}
		if err := src.Pause(); err != nil {
			s.logger.Warn("audio pause failed", "error", err)
		}
	case cmdResume:
		if err := s.transition(fsm.EventResume); err != nil {
			return err
		}
		if err := src.Resume(); err != nil {
			s.logger.Warn("audio resume failed", "error", err)
		}
	default:
		return fmt.Errorf("unknown command %s", cmd.kind)
	}
	return nil
}

// reconnect tears down the failed pair and moves Reconnecting to Starting.
// It returns false when the session stopped or the retry budget ran out.
func (s *Session) reconnect(cause error, src Source, ch Channel) bool {
	if err := s.transition(fsm.EventTransportError); err != nil {
		s.release(src, ch)
		return false
	}
	retry := s.RetryCount()
	s.logger.Warn("recognition transport failed; reconnecting", "error", cause, "retry", retry)
	s.release(src, ch)

	if limit := s.policy.MaxAttempts; limit > 0 && retry > limit {
		s.fail(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, limit, cause))
		return false
	}

	if s.policy.Backoff > 0 {
		timer := time.NewTimer(s.policy.Backoff)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}

	return s.transition(fsm.EventRetry) == nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	if terr := s.transition(fsm.EventFail); terr != nil {
		return
	}
	s.logger.Error("listen session failed", "error", err)
}

func (s *Session) release(src Source, ch Channel) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			s.logger.Debug("close recognition channel", "error", err)
		}
	}
	if src != nil {
		if err := src.Stop(); err != nil {
			s.logger.Debug("stop audio source", "error", err)
		}
	}
}

// deliver hands transcripts to the sink off the pump goroutine so the sink
// may call back into the session or controller.
func (s *Session) deliver() {
	for t := range s.deliveries {
		if s.ctx.Err() != nil {
			continue
		}
		s.sink.Deliver(t)
	}
}

// transition applies one FSM event and maintains the retry counters.
func (s *Session) transition(event fsm.Event) error {
	s.mu.Lock()
	from := s.state
	next, err := fsm.Transition(from, event)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	switch next {
	case fsm.StateReconnecting:
		s.retryCount++
		s.reconnects++
	case fsm.StateActive:
		s.retryCount = 0
	}
	t := Transition{From: from, To: next, Event: event, RetryCount: s.retryCount}
	s.mu.Unlock()

	s.notify(t)
	return nil
}

func (s *Session) notify(t Transition) {
	s.logger.Debug("listen transition", "from", t.From, "to", t.To, "event", t.Event, "retry", t.RetryCount)
	if s.observe != nil {
		s.observe(t)
	}
}
