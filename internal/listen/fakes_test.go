package listen

import (
	"context"
	"errors"
	"sync"
)

type fakeSource struct {
	cfg    AudioConfig
	events chan AudioEvent

	mu      sync.Mutex
	started bool
	paused  bool
	stopped bool
	stops   int
	halt    chan struct{}
}

func newFakeSource(cfg AudioConfig) *fakeSource {
	return &fakeSource{cfg: cfg, events: make(chan AudioEvent), halt: make(chan struct{})}
}

func (f *fakeSource) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeSource) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	return nil
}

func (f *fakeSource) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if !f.stopped {
		f.stopped = true
		close(f.halt)
	}
	return nil
}

func (f *fakeSource) Events() <-chan AudioEvent {
	return f.events
}

// emit blocks until the session has taken ev. It returns false once stopped.
func (f *fakeSource) emit(ev AudioEvent) bool {
	select {
	case f.events <- ev:
		return true
	case <-f.halt:
		return false
	}
}

func (f *fakeSource) chunk(b ...byte) bool {
	return f.emit(AudioEvent{Kind: AudioData, Chunk: b})
}

func (f *fakeSource) isPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeSource) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeSource) stopCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeChannel struct {
	cfg    ChannelConfig
	events chan ChannelEvent

	mu     sync.Mutex
	sent   [][]byte
	closed bool
	closes int
	halt   chan struct{}
}

func newFakeChannel(cfg ChannelConfig) *fakeChannel {
	return &fakeChannel{cfg: cfg, events: make(chan ChannelEvent), halt: make(chan struct{})}
}

func (f *fakeChannel) Send(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fake channel closed")
	}
	f.sent = append(f.sent, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeChannel) Events() <-chan ChannelEvent {
	return f.events
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if !f.closed {
		f.closed = true
		close(f.halt)
	}
	return nil
}

func (f *fakeChannel) push(ev ChannelEvent) bool {
	select {
	case f.events <- ev:
		return true
	case <-f.halt:
		return false
	}
}

func (f *fakeChannel) transcript(text string, final bool) bool {
	return f.push(ChannelEvent{Kind: ChannelTranscript, Transcript: Transcript{Text: text, Final: final}})
}

func (f *fakeChannel) sentChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) closeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// rig hands out fresh fakes per open and records them in order.
type rig struct {
	mu       sync.Mutex
	sources  []*fakeSource
	channels []*fakeChannel
	// openErrs are returned by successive OpenChannel calls before any
	// channel is built; a nil entry lets that attempt succeed.
	openErrs []error
	// failAfter makes every OpenChannel call past the first n fail with err.
	failAfter    int
	failAfterErr error
	attempts     int
	// maxHeld is the most sources ever open at once, counting the new one.
	maxHeld int
}

func (r *rig) OpenSource(_ context.Context, cfg AudioConfig) (Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	held := 1
	for _, prev := range r.sources {
		if !prev.isStopped() {
			held++
		}
	}
	r.maxHeld = max(r.maxHeld, held)
	src := newFakeSource(cfg)
	r.sources = append(r.sources, src)
	return src, nil
}

func (r *rig) OpenChannel(_ context.Context, cfg ChannelConfig) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if len(r.openErrs) > 0 {
		err := r.openErrs[0]
		r.openErrs = r.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if r.failAfterErr != nil && len(r.channels) >= r.failAfter {
		return nil, r.failAfterErr
	}
	ch := newFakeChannel(cfg)
	r.channels = append(r.channels, ch)
	return ch, nil
}

func (r *rig) source(i int) *fakeSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.sources) {
		return nil
	}
	return r.sources[i]
}

func (r *rig) channel(i int) *fakeChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.channels) {
		return nil
	}
	return r.channels[i]
}

func (r *rig) opened() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}

func (r *rig) mostHeld() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxHeld
}

func (r *rig) channelAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

type collector struct {
	mu  sync.Mutex
	got []Transcript
}

func (c *collector) Deliver(t Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, t)
}

func (c *collector) transcripts() []Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transcript(nil), c.got...)
}

type transitions struct {
	mu  sync.Mutex
	all []Transition
}

func (o *transitions) record(t Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.all = append(o.all, t)
}

func (o *transitions) list() []Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Transition(nil), o.all...)
}
