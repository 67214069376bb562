// Package audio handles device discovery, selection, and PCM capture streams.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/rbright/hark/internal/listen"
	"github.com/rbright/hark/internal/logging"
)

const (
	chunkSizeBytes = 640 // 20ms @ 16kHz s16, per channel
)

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// Selection is the resolved capture source plus optional fallback warning context.
type Selection struct {
	Device   Device
	Warning  string
	Fallback bool
}

func newClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("hark"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

// ListDevices returns Pulse input sources with default/availability metadata.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}

	var infos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &infos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          info.SourceName,
			Description: info.Device,
			State:       sourceStateString(info.State),
			Available:   sourceAvailable(info),
			Muted:       info.Mute,
			Default:     info.SourceName == defaultSource.ID(),
		})
	}
	return devices, nil
}

// SelectDevice resolves listen.device/listen.fallback against live devices.
func SelectDevice(ctx context.Context, input string, fallback string) (Selection, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Selection{}, err
	}
	return selectDeviceFromList(devices, input, fallback)
}

// selectDeviceFromList prefers input, then fallback, and refuses muted or
// unavailable sources.
func selectDeviceFromList(devices []Device, input string, fallback string) (Selection, error) {
	if len(devices) == 0 {
		return Selection{}, errors.New("no audio input devices found")
	}
	index := deviceIndex(devices)

	primary, err := index.find(input)
	if err != nil {
		return Selection{}, fmt.Errorf("listen.device: %w", err)
	}
	reason := primary.unusable()
	if reason == "" {
		return Selection{Device: *primary}, nil
	}

	alt, err := index.find(fallback)
	if err != nil {
		return Selection{}, fmt.Errorf("primary input %q is %s and listen.fallback has no match: %w", primary.ID, reason, err)
	}
	if why := alt.unusable(); why != "" {
		return Selection{}, fmt.Errorf("audio fallback device %q is %s", alt.ID, why)
	}

	return Selection{
		Device:   *alt,
		Warning:  fmt.Sprintf("listen.device %q is %s; falling back to %q", primary.ID, reason, alt.ID),
		Fallback: primary.ID != alt.ID,
	}, nil
}

// unusable names why capture from d would fail. Empty means usable.
func (d Device) unusable() string {
	switch {
	case d.Muted:
		return "muted"
	case !d.Available:
		return "unavailable"
	default:
		return ""
	}
}

type deviceIndex []Device

// find resolves a config term. "" and "default" pick the server default; an
// exact id beats a substring match on id or description.
func (devices deviceIndex) find(term string) (*Device, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" || term == "default" {
		for i := range devices {
			if devices[i].Default {
				return &devices[i], nil
			}
		}
		return nil, errors.New("default audio source is unavailable")
	}

	var partial *Device
	for i := range devices {
		if strings.EqualFold(devices[i].ID, term) {
			return &devices[i], nil
		}
		if partial == nil && deviceMatches(devices[i], term) {
			partial = &devices[i]
		}
	}
	if partial == nil {
		return nil, fmt.Errorf("%q did not match any device", term)
	}
	return partial, nil
}

// deviceMatches reports whether a lowercased term appears in a device id or
// description.
func deviceMatches(device Device, term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(device.ID), term) ||
		strings.Contains(strings.ToLower(device.Description), term)
}

// Capture streams fixed-size PCM chunks from one selected Pulse source. It
// satisfies listen.Source.
type Capture struct {
	device   Device
	channels int
	logger   *slog.Logger

	client *pulse.Client
	stream *pulse.RecordStream

	events chan listen.AudioEvent
	stopCh chan struct{}

	mu      sync.Mutex
	pending []byte
	started bool
	paused  bool
	stopped bool

	inflight sync.WaitGroup
	watchers sync.WaitGroup
	failOnce sync.Once
	bytes    atomic.Int64
	dropped  atomic.Int64
}

// NewCapture prepares a capture for selected with 1 or 2 interleaved channels.
// Nothing is acquired until Start.
func NewCapture(selected Device, channels int, logger *slog.Logger) *Capture {
	if channels != 1 {
		channels = 2
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Capture{
		device:   selected,
		channels: channels,
		logger:   logger,
		events:   make(chan listen.AudioEvent, 128),
		stopCh:   make(chan struct{}),
	}
}

// Start connects to Pulse and begins recording at listen.SampleRate.
func (c *Capture) Start(_ context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errors.New("capture already stopped")
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("capture already started")
	}
	c.started = true
	c.mu.Unlock()

	client, err := newClient()
	if err != nil {
		return err
	}
	c.client = client

	source, err := client.SourceByID(c.device.ID)
	if err != nil {
		_ = c.Stop()
		return fmt.Errorf("resolve source %q: %w", c.device.ID, err)
	}

	layout := pulse.RecordMono
	if c.channels == 2 {
		layout = pulse.RecordStereo
	}

	writer := pulse.NewWriter(writerFunc(c.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		layout,
		pulse.RecordSampleRate(listen.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(c.chunkSize())),
		pulse.RecordMediaName("hark listening"),
	)
	if err != nil {
		_ = c.Stop()
		return fmt.Errorf("create pulse record stream: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	stream.Start()

	c.watchers.Add(1)
	go c.watch()
	return nil
}

// Device returns capture metadata for logging and diagnostics.
func (c *Capture) Device() Device {
	return c.device
}

// Channels is the interleaved channel count of emitted chunks.
func (c *Capture) Channels() int {
	return c.channels
}

// Events returns PCM chunks followed by at most one terminal AudioError. The
// channel is closed by Stop.
func (c *Capture) Events() <-chan listen.AudioEvent {
	return c.events
}

// BytesCaptured reports total bytes accepted from Pulse.
func (c *Capture) BytesCaptured() int64 {
	return c.bytes.Load()
}

// Pause corks the record stream. Buffers that still arrive are discarded.
func (c *Capture) Pause() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errors.New("capture stopped")
	}
	c.paused = true
	c.pending = nil
	stream := c.stream
	c.mu.Unlock()

	// onPCM runs on the Pulse reader goroutine and needs c.mu.
	if stream != nil {
		stream.Stop()
	}
	return nil
}

// Resume uncorks the record stream.
func (c *Capture) Resume() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errors.New("capture stopped")
	}
	c.paused = false
	stream := c.stream
	c.mu.Unlock()

	if stream != nil {
		stream.Start()
	}
	return nil
}

// Stop halts the stream, releases the Pulse client, and closes Events
// exactly once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()
	c.watchers.Wait()

	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()

	close(c.events)
	return nil
}

// watch reports a device failure when Pulse closes the stream under us.
func (c *Capture) watch() {
	defer c.watchers.Done()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.stream.Error(); err != nil {
				c.fail(err)
				return
			}
			if c.stream.Closed() {
				c.fail(errors.New("record stream closed by server"))
				return
			}
		}
	}
}

func (c *Capture) fail(err error) {
	c.failOnce.Do(func() {
		c.logger.Warn("audio device failed", "device", c.device.ID, "error", err)
		select {
		case c.events <- listen.AudioEvent{Kind: listen.AudioError, Err: err}:
		case <-c.stopCh:
		}
	})
}

func (c *Capture) chunkSize() int {
	return chunkSizeBytes * c.channels
}

// onPCM receives raw Pulse frames and emits fixed-size chunks to c.events.
func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	select {
	case <-c.stopCh:
		return 0, io.EOF
	default:
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	if c.paused {
		c.mu.Unlock()
		c.dropped.Add(int64(len(buffer)))
		return len(buffer), nil
	}
	// Guard Add under the same mutex as c.stopped to avoid Add/Wait races.
	c.inflight.Add(1)

	size := c.chunkSize()
	c.pending = append(c.pending, buffer...)
	chunks := make([][]byte, 0, len(c.pending)/size)
	for len(c.pending) >= size {
		chunk := make([]byte, size)
		copy(chunk, c.pending[:size])
		c.pending = c.pending[size:]
		chunks = append(chunks, chunk)
	}
	c.mu.Unlock()
	defer c.inflight.Done()

	c.bytes.Add(int64(len(buffer)))

	for _, chunk := range chunks {
		select {
		case <-c.stopCh:
			return 0, io.EOF
		case c.events <- listen.AudioEvent{Kind: listen.AudioData, Chunk: chunk}:
		}
	}

	return len(buffer), nil
}

// Opener resolves the configured device and builds a fresh Capture for every
// listen attempt.
type Opener struct {
	Logger *slog.Logger
}

// OpenSource implements listen.SourceOpener.
func (o Opener) OpenSource(ctx context.Context, cfg listen.AudioConfig) (listen.Source, error) {
	logger := o.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.SampleRate != 0 && cfg.SampleRate != listen.SampleRate {
		return nil, fmt.Errorf("unsupported sample rate %d", cfg.SampleRate)
	}

	selection, err := SelectDevice(ctx, cfg.Device, cfg.Fallback)
	if err != nil {
		return nil, err
	}
	if selection.Warning != "" {
		logger.Warn(selection.Warning)
	}
	return NewCapture(selection.Device, cfg.Channels, logger.With("device", selection.Device.ID)), nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

// sourceStateString maps Pulse source state constants to human-readable values.
func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// sourceAvailable maps Pulse source port availability to a simple boolean.
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	if len(source.Ports) == 0 {
		return true
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2.
		return port.Available == 0 || port.Available == 2
	}
	return true
}
