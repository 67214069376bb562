// Package watson streams audio to Watson Speech to Text over its WebSocket
// recognize interface.
package watson

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rbright/hark/internal/listen"
	"github.com/rbright/hark/internal/logging"
	"github.com/rbright/hark/internal/version"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultReadyTimeout = 10 * time.Second
	defaultPingInterval = 20 * time.Second
	writeTimeout        = 5 * time.Second
)

// Config carries service credentials and connection timing.
type Config struct {
	URL          string
	APIKey       string
	AccessToken  string
	DialTimeout  time.Duration
	ReadyTimeout time.Duration
	PingInterval time.Duration
}

// Dialer opens recognition channels. It satisfies listen.ChannelOpener.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
	ws     *websocket.Dialer
}

// NewDialer applies timing defaults to cfg.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dialer{
		cfg:    cfg,
		logger: logger,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

type startMessage struct {
	Action                     string   `json:"action"`
	ContentType                string   `json:"content-type"`
	InterimResults             bool     `json:"interim_results"`
	InactivityTimeout          int      `json:"inactivity_timeout"`
	BackgroundAudioSuppression *float64 `json:"background_audio_suppression,omitempty"`
}

type actionMessage struct {
	Action string `json:"action"`
}

type message struct {
	State   string   `json:"state"`
	Error   string   `json:"error"`
	Results []result `json:"results"`
}

type result struct {
	Final        bool          `json:"final"`
	Alternatives []alternative `json:"alternatives"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// ModelID returns the explicit model or the language's broadband model.
func ModelID(cc listen.ChannelConfig) string {
	if cc.Model != "" {
		return cc.Model
	}
	return cc.Language + "_BroadbandModel"
}

// RecognizeURL builds the WebSocket endpoint from a service URL.
func RecognizeURL(serviceURL string, cc listen.ChannelConfig) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serviceURL))
	if err != nil {
		return "", fmt.Errorf("parse watson url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("watson url %q has no host", serviceURL)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "wss", "ws":
	default:
		return "", fmt.Errorf("watson url scheme %q is not supported", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/v1/recognize"
	q := u.Query()
	q.Set("model", ModelID(cc))
	if cc.CustomModelID != "" {
		q.Set("acoustic_customization_id", cc.CustomModelID)
	}
	if cc.LanguageModelID != "" {
		q.Set("language_customization_id", cc.LanguageModelID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Dialer) header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", version.UserAgent())
	switch {
	case d.cfg.AccessToken != "":
		h.Set("Authorization", "Bearer "+d.cfg.AccessToken)
	case d.cfg.APIKey != "":
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("apikey:"+d.cfg.APIKey)))
	}
	return h
}

// OpenChannel dials, sends the start action, and waits for the service to
// report that it is listening.
func (d *Dialer) OpenChannel(ctx context.Context, cc listen.ChannelConfig) (listen.Channel, error) {
	endpoint, err := RecognizeURL(d.cfg.URL, cc)
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.ws.DialContext(ctx, endpoint, d.header())
	if err != nil {
		return nil, classifyDial(resp, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	start := startMessage{
		Action:            "start",
		ContentType:       cc.ContentType,
		InterimResults:    cc.InterimResults,
		InactivityTimeout: cc.InactivityTimeout,
	}
	if cc.Suppression != nil {
		v := *cc.Suppression
		start.BackgroundAudioSuppression = &v
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(start); err != nil {
		_ = conn.Close()
		return nil, listen.Transport(fmt.Errorf("send start action: %w", err))
	}

	if err := awaitListening(conn, d.cfg.ReadyTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}

	d.logger.Debug("watson channel open", "model", ModelID(cc), "content_type", cc.ContentType)
	return newChannel(conn, d.logger, d.cfg.PingInterval), nil
}

func awaitListening(conn *websocket.Conn, timeout time.Duration) error {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return listen.Transport(fmt.Errorf("await listening state: %w", err))
		}
		if msg.Error != "" {
			return fmt.Errorf("watson rejected start: %s", msg.Error)
		}
		if msg.State == "listening" {
			return nil
		}
	}
}

// classifyDial treats client errors on the handshake as terminal.
func classifyDial(resp *http.Response, err error) error {
	if resp != nil {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		code := resp.StatusCode
		if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return fmt.Errorf("watson handshake rejected: %s", resp.Status)
		}
	}
	return listen.Transport(fmt.Errorf("dial watson: %w", err))
}

var errClosed = errors.New("watson channel closed")

// Channel is one open recognize session. It satisfies listen.Channel.
type Channel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	events chan listen.ChannelEvent

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func newChannel(conn *websocket.Conn, logger *slog.Logger, ping time.Duration) *Channel {
	c := &Channel{
		conn:   conn,
		logger: logger,
		events: make(chan listen.ChannelEvent, 32),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.keepAlive(ping)
	return c
}

// Send writes one binary audio frame.
func (c *Channel) Send(chunk []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return fmt.Errorf("write audio frame: %w", err)
	}
	return nil
}

// Events yields transcripts followed by at most one terminal event.
func (c *Channel) Events() <-chan listen.ChannelEvent {
	return c.events
}

// Close sends the stop action, closes the socket, and waits for the reader.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteJSON(actionMessage{Action: "stop"})
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Channel) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.emit(listen.ChannelEvent{Kind: listen.ChannelClosed})
				return
			}
			c.emit(listen.ChannelEvent{Kind: listen.ChannelError, Err: listen.Transport(fmt.Errorf("read watson message: %w", err))})
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("skip undecodable watson message", "error", err)
			continue
		}
		if msg.Error != "" {
			c.emit(listen.ChannelEvent{Kind: listen.ChannelError, Err: listen.Transport(errors.New(msg.Error))})
			return
		}
		for _, r := range msg.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			if !c.emit(listen.ChannelEvent{
				Kind:       listen.ChannelTranscript,
				Transcript: listen.Transcript{Text: r.Alternatives[0].Transcript, Final: r.Final},
			}) {
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

func (c *Channel) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug("watson ping failed", "error", err)
				return
			}
		}
	}
}
