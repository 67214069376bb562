// Package riva streams audio to an NVIDIA Riva ASR server over gRPC.
package riva

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/rbright/hark/internal/listen"
	"github.com/rbright/hark/internal/logging"
)

const (
	streamingRecognizeMethod = "/nvidia.riva.asr.RivaSpeechRecognition/StreamingRecognize"
	defaultDialTimeout       = 3 * time.Second
)

var streamDesc = grpc.StreamDesc{
	StreamName:    "StreamingRecognize",
	ServerStreams: true,
	ClientStreams: true,
}

// Config controls connection setup and recognition behavior.
type Config struct {
	Endpoint    string
	DialTimeout time.Duration
	Punctuation bool
}

// Dialer opens StreamingRecognize channels. It satisfies listen.ChannelOpener.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// OpenChannel connects, opens the bidirectional stream, and sends the
// recognition config frame.
func (d *Dialer) OpenChannel(ctx context.Context, cc listen.ChannelConfig) (listen.Channel, error) {
	if d.cfg.Endpoint == "" {
		return nil, errors.New("riva endpoint is empty")
	}

	conn, err := grpc.NewClient(
		d.cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial riva grpc %q: %w", d.cfg.Endpoint, err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()
	conn.Connect()
	if err := waitForReady(readyCtx, conn); err != nil {
		_ = conn.Close()
		return nil, listen.Transport(fmt.Errorf("wait for riva grpc readiness: %w", err))
	}

	// The stream outlives the open call; Close cancels it.
	streamCtx, streamCancel := context.WithCancel(context.Background())
	stream, err := openStreamWithTimeout(ctx, d.cfg.DialTimeout, func() (grpc.ClientStream, error) {
		return conn.NewStream(streamCtx, &streamDesc, streamingRecognizeMethod, grpc.ForceCodec(rawCodec{}))
	})
	if err != nil {
		streamCancel()
		_ = conn.Close()
		return nil, classify(fmt.Errorf("open streaming recognizer: %w", err))
	}

	frame := encodeConfigRequest(cc, d.cfg.Punctuation)
	if err := runWithTimeout(ctx, d.cfg.DialTimeout, func() error { return stream.SendMsg(&frame) }); err != nil {
		streamCancel()
		_ = conn.Close()
		return nil, classify(fmt.Errorf("send streaming config: %w", err))
	}

	d.logger.Debug("riva channel open",
		"endpoint", d.cfg.Endpoint,
		"language", cc.Language,
		"channels", cc.Channels,
	)
	return newChannel(conn, stream, streamCancel, d.logger), nil
}

// classify treats request and auth rejections as terminal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.Unauthenticated,
		codes.PermissionDenied, codes.Unimplemented, codes.FailedPrecondition:
		return err
	default:
		return listen.Transport(err)
	}
}

var errClosed = errors.New("riva channel closed")

// Channel is one StreamingRecognize call. It satisfies listen.Channel.
type Channel struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	logger *slog.Logger

	events chan listen.ChannelEvent

	sendMu    sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func newChannel(conn *grpc.ClientConn, stream grpc.ClientStream, cancel context.CancelFunc, logger *slog.Logger) *Channel {
	c := &Channel{
		conn:   conn,
		stream: stream,
		cancel: cancel,
		logger: logger,
		events: make(chan listen.ChannelEvent, 32),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// Send writes one audio_content frame. Empty chunks are skipped.
func (c *Channel) Send(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	select {
	case <-c.closed:
		return errClosed
	default:
	}

	frame := encodeAudioRequest(chunk)
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(&frame); err != nil {
		return fmt.Errorf("send audio frame: %w", err)
	}
	return nil
}

// Events yields transcripts followed by at most one terminal event.
func (c *Channel) Events() <-chan listen.ChannelEvent {
	return c.events
}

// Close half-closes the stream, tears down the connection, and waits for
// the receive loop.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.sendMu.Lock()
		_ = c.stream.CloseSend()
		c.sendMu.Unlock()

		c.cancel()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Channel) recvLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		var frame []byte
		if err := c.stream.RecvMsg(&frame); err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				c.emit(listen.ChannelEvent{Kind: listen.ChannelClosed})
				return
			}
			c.emit(listen.ChannelEvent{Kind: listen.ChannelError, Err: listen.Transport(fmt.Errorf("receive riva response: %w", err))})
			return
		}

		transcripts, err := decodeResponse(frame)
		if err != nil {
			c.logger.Debug("skip undecodable riva response", "error", err)
			continue
		}
		for _, t := range transcripts {
			// Text is forwarded as the service returned it; blank results carry nothing.
			if strings.TrimSpace(t.Text) == "" {
				continue
			}
			if !c.emit(listen.ChannelEvent{Kind: listen.ChannelTranscript, Transcript: t}) {
				return
			}
		}
	}
}

func (c *Channel) emit(ev listen.ChannelEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}
