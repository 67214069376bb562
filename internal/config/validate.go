package config

import (
	"fmt"
	"strings"

	"github.com/rbright/hark/internal/logging"
)

var knownHardware = map[string]struct{}{
	HardwareMicrophone: {},
	HardwareSpeaker:    {},
	HardwareLED:        {},
	HardwareServo:      {},
	HardwareCamera:     {},
}

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	for _, hw := range cfg.Hardware {
		if _, ok := knownHardware[hw]; !ok {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("hardware %q is not recognized; ignoring", hw)})
		}
	}

	switch cfg.Backend {
	case BackendWatson:
	case BackendRiva:
		if strings.TrimSpace(cfg.Riva.GRPC) == "" {
			return nil, fmt.Errorf("riva.grpc must not be empty when backend=riva")
		}
		if strings.TrimSpace(cfg.Riva.HealthPath) != "" && !strings.HasPrefix(cfg.Riva.HealthPath, "/") {
			return nil, fmt.Errorf("riva.health_path must start with '/'")
		}
	case "":
		return nil, fmt.Errorf("backend must not be empty")
	default:
		return nil, fmt.Errorf("backend must be one of: watson, riva")
	}

	if strings.TrimSpace(cfg.Listen.Language) == "" {
		return nil, fmt.Errorf("listen.language must not be empty")
	}
	if strings.TrimSpace(cfg.Listen.Device) == "" {
		return nil, fmt.Errorf("listen.device must not be empty")
	}
	if cfg.Listen.InactivityTimeout == 0 || cfg.Listen.InactivityTimeout < -1 {
		return nil, fmt.Errorf("listen.inactivity_timeout must be -1 or > 0")
	}
	if s := cfg.Listen.BackgroundSuppression; s != nil && (*s < 0 || *s > 1) {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("listen.background_audio_suppression=%g is outside [0, 1]; the recognizer may reject it", *s)})
	}
	if cfg.Listen.SettleMS < 0 {
		return nil, fmt.Errorf("listen.settle_ms must be >= 0")
	}
	if cfg.Listen.Reconnect.MaxAttempts < 0 {
		return nil, fmt.Errorf("listen.reconnect.max_attempts must be >= 0")
	}
	if cfg.Listen.Reconnect.BackoffMS < 0 {
		return nil, fmt.Errorf("listen.reconnect.backoff_ms must be >= 0")
	}

	if cfg.Publish.Enable {
		if strings.TrimSpace(cfg.Publish.NATSURL) == "" {
			return nil, fmt.Errorf("publish.nats_url must not be empty when publish.enable=true")
		}
		if strings.TrimSpace(cfg.Publish.Subject) == "" {
			return nil, fmt.Errorf("publish.subject must not be empty when publish.enable=true")
		}
	}

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	return warnings, nil
}
