package listen

import (
	"context"
	"fmt"
)

// SampleRate is the fixed capture and recognition rate in Hz.
const SampleRate = 16000

// AudioEventKind discriminates AudioEvent values.
type AudioEventKind int

const (
	AudioData AudioEventKind = iota + 1
	// AudioError is terminal: the device failed and the source emits nothing further.
	AudioError
)

// AudioEvent is one item on a Source event stream.
type AudioEvent struct {
	Kind  AudioEventKind
	Chunk []byte
	Err   error
}

// ChannelEventKind discriminates ChannelEvent values.
type ChannelEventKind int

const (
	ChannelTranscript ChannelEventKind = iota + 1
	ChannelClosed
	ChannelError
)

// ChannelEvent is one item on a Channel event stream. ChannelClosed and
// ChannelError are terminal.
type ChannelEvent struct {
	Kind       ChannelEventKind
	Transcript Transcript
	Err        error
}

// Transcript is one recognition result, interim or final.
type Transcript struct {
	Text  string
	Final bool
}

// Source is a live microphone stream bound to one device.
type Source interface {
	Start(context.Context) error
	Pause() error
	Resume() error
	// Stop releases the device. A stopped source cannot be restarted.
	Stop() error
	Events() <-chan AudioEvent
}

// Channel is one streaming recognition session.
type Channel interface {
	Send(chunk []byte) error
	Events() <-chan ChannelEvent
	Close() error
}

// AudioConfig describes how a Source must be opened.
type AudioConfig struct {
	Device     string
	Fallback   string
	SampleRate int
	Channels   int
}

// ChannelConfig describes how a Channel must be opened.
type ChannelConfig struct {
	ContentType     string
	SampleRate      int
	Channels        int
	Language        string
	Model           string
	CustomModelID   string
	LanguageModelID string
	// InactivityTimeout is in seconds; -1 means unbounded.
	InactivityTimeout int
	// Suppression is passed through unclamped when set.
	Suppression    *float64
	InterimResults bool
}

// SourceOpener constructs fresh Source instances.
type SourceOpener interface {
	OpenSource(context.Context, AudioConfig) (Source, error)
}

// SourceOpenerFunc adapts a function to the SourceOpener interface.
type SourceOpenerFunc func(context.Context, AudioConfig) (Source, error)

func (f SourceOpenerFunc) OpenSource(ctx context.Context, cfg AudioConfig) (Source, error) {
	return f(ctx, cfg)
}

// ChannelOpener opens fresh Channel instances. Open returns once the remote
// side is ready to accept audio.
type ChannelOpener interface {
	OpenChannel(context.Context, ChannelConfig) (Channel, error)
}

// ChannelOpenerFunc adapts a function to the ChannelOpener interface.
type ChannelOpenerFunc func(context.Context, ChannelConfig) (Channel, error)

func (f ChannelOpenerFunc) OpenChannel(ctx context.Context, cfg ChannelConfig) (Channel, error) {
	return f(ctx, cfg)
}

// Sink receives transcripts in channel order.
type Sink interface {
	Deliver(Transcript)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Transcript)

func (f SinkFunc) Deliver(t Transcript) {
	f(t)
}

// MultiSink fans a transcript out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Deliver(t Transcript) {
	for _, s := range m {
		s.Deliver(t)
	}
}

// Settings is the caller-facing recognition configuration for one session.
type Settings struct {
	Device            string
	Fallback          string
	Language          string
	Model             string
	CustomModelID     string
	LanguageModelID   string
	InactivityTimeout int
	Suppression       *float64
	InterimResults    bool
}

// Channels is 1 with a custom acoustic model, else 2.
func (s Settings) Channels() int {
	if s.CustomModelID != "" {
		return 1
	}
	return 2
}

// ContentType is the l16 media type for the derived channel count.
func (s Settings) ContentType() string {
	return ContentType(SampleRate, s.Channels())
}

// AudioConfig derives the Source parameters.
func (s Settings) AudioConfig() AudioConfig {
	return AudioConfig{
		Device:     s.Device,
		Fallback:   s.Fallback,
		SampleRate: SampleRate,
		Channels:   s.Channels(),
	}
}

// ChannelConfig derives the Channel parameters.
func (s Settings) ChannelConfig() ChannelConfig {
	cfg := ChannelConfig{
		ContentType:       s.ContentType(),
		SampleRate:        SampleRate,
		Channels:          s.Channels(),
		Language:          s.Language,
		Model:             s.Model,
		CustomModelID:     s.CustomModelID,
		LanguageModelID:   s.LanguageModelID,
		InactivityTimeout: s.InactivityTimeout,
		InterimResults:    s.InterimResults,
	}
	if s.Suppression != nil {
		v := *s.Suppression
		cfg.Suppression = &v
	}
	return cfg
}

// ContentType formats 16-bit linear PCM parameters as a media type.
func ContentType(rate, channels int) string {
	return fmt.Sprintf("audio/l16; rate=%d; channels=%d", rate, channels)
}
