// Package config resolves, parses, validates, and defaults hark configuration.
package config

// Backend names accepted by Config.Backend.
const (
	BackendWatson = "watson"
	BackendRiva   = "riva"
)

// Hardware names recognized in Config.Hardware.
const (
	HardwareMicrophone = "microphone"
	HardwareSpeaker    = "speaker"
	HardwareLED        = "led"
	HardwareServo      = "servo"
	HardwareCamera     = "camera"
)

// Config is the fully materialized runtime configuration used by hark.
type Config struct {
	Hardware []string
	Backend  string
	Listen   ListenConfig
	Watson   WatsonConfig
	Riva     RivaConfig
	Publish  PublishConfig
	Log      LogConfig
}

// ListenConfig controls microphone selection and recognition parameters.
type ListenConfig struct {
	Device          string
	Fallback        string
	Language        string
	Model           string
	CustomModelID   string
	LanguageModelID string
	// InactivityTimeout is in seconds; -1 keeps the channel open indefinitely.
	InactivityTimeout     int
	BackgroundSuppression *float64
	InterimResults        bool
	SettleMS              int
	Reconnect             ReconnectConfig
}

// ReconnectConfig bounds automatic reconnection. Zero values mean unbounded
// attempts with no delay.
type ReconnectConfig struct {
	MaxAttempts int
	BackoffMS   int
}

// WatsonConfig carries Watson Speech to Text service credentials.
type WatsonConfig struct {
	URL         string
	APIKey      string
	AccessToken string
}

// RivaConfig carries Riva endpoints.
type RivaConfig struct {
	GRPC       string
	HTTP       string
	HealthPath string
}

// PublishConfig controls optional transcript fan-out over NATS.
type PublishConfig struct {
	Enable  bool
	NATSURL string
	Subject string
}

// LogConfig controls runtime log verbosity.
type LogConfig struct {
	Level string
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}

// HasHardware reports whether name is listed in the configured hardware.
func (c Config) HasHardware(name string) bool {
	for _, hw := range c.Hardware {
		if hw == name {
			return true
		}
	}
	return false
}

// HasCredentials reports whether the selected backend has what it needs to
// open a recognition channel.
func (c Config) HasCredentials() bool {
	switch c.Backend {
	case BackendWatson:
		return c.Watson.URL != "" && (c.Watson.APIKey != "" || c.Watson.AccessToken != "")
	case BackendRiva:
		return c.Riva.GRPC != ""
	default:
		return false
	}
}
