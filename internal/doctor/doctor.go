// Package doctor runs readiness diagnostics for config, capabilities, audio, and the recognizer.
package doctor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rbright/hark/internal/audio"
	"github.com/rbright/hark/internal/config"
	"github.com/rbright/hark/internal/listen"
	"github.com/rbright/hark/internal/publish"
	"github.com/rbright/hark/internal/watson"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config.
func Run(cfg config.Loaded) Report {
	checks := []Check{}

	checks = append(checks, Check{
		Name:    "config",
		Pass:    true,
		Message: fmt.Sprintf("loaded %q", cfg.Path),
	})

	checks = append(checks, checkEnv("XDG_RUNTIME_DIR", func(v string) bool {
		return strings.TrimSpace(v) != ""
	}, "runtime dir available for the control socket", "XDG_RUNTIME_DIR is empty"))

	checks = append(checks, checkHardware(cfg.Config))
	checks = append(checks, checkCredentials(cfg.Config))
	checks = append(checks, checkAudioSelection(cfg.Config))

	switch cfg.Config.Backend {
	case config.BackendRiva:
		checks = append(checks, checkRivaReady(cfg.Config))
	case config.BackendWatson:
		checks = append(checks, checkWatsonURL(cfg.Config))
	}

	if cfg.Config.Publish.Enable {
		checks = append(checks, checkNATS(cfg.Config))
	}

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

func checkHardware(cfg config.Config) Check {
	if !cfg.HasHardware(config.HardwareMicrophone) {
		return Check{Name: "hardware", Pass: false, Message: "microphone is not listed in hardware"}
	}
	return Check{Name: "hardware", Pass: true, Message: "microphone configured"}
}

func checkCredentials(cfg config.Config) Check {
	name := cfg.Backend + ".credentials"
	if cfg.HasCredentials() {
		return Check{Name: name, Pass: true, Message: "present"}
	}
	switch cfg.Backend {
	case config.BackendWatson:
		return Check{Name: name, Pass: false, Message: fmt.Sprintf(
			"set watson.url and watson.apikey (or %s and %s)", config.EnvWatsonURL, config.EnvWatsonAPIKey,
		)}
	case config.BackendRiva:
		return Check{Name: name, Pass: false, Message: "riva.grpc is empty"}
	default:
		return Check{Name: name, Pass: false, Message: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(cfg config.Config) Check {
	selection, err := audio.SelectDevice(context.Background(), cfg.Listen.Device, cfg.Listen.Fallback)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}

// checkWatsonURL validates that the service URL maps onto a recognize endpoint.
func checkWatsonURL(cfg config.Config) Check {
	if strings.TrimSpace(cfg.Watson.URL) == "" {
		return Check{Name: "watson.url", Pass: false, Message: "watson.url is empty"}
	}
	settings := listen.Settings{Language: cfg.Listen.Language, Model: cfg.Listen.Model, CustomModelID: cfg.Listen.CustomModelID}
	endpoint, err := watson.RecognizeURL(cfg.Watson.URL, settings.ChannelConfig())
	if err != nil {
		return Check{Name: "watson.url", Pass: false, Message: err.Error()}
	}
	return Check{Name: "watson.url", Pass: true, Message: endpoint}
}

// checkRivaReady probes the configured Riva HTTP ready endpoint.
func checkRivaReady(cfg config.Config) Check {
	base := strings.TrimSpace(cfg.Riva.HTTP)
	if base == "" {
		return Check{Name: "riva.ready", Pass: false, Message: "riva.http is empty"}
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := strings.TrimRight(base, "/") + cfg.Riva.HealthPath
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return Check{Name: "riva.ready", Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Check{Name: "riva.ready", Pass: false, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url)}
	}

	bodyText := strings.ToLower(strings.TrimSpace(string(body)))
	if bodyText != "" && !strings.Contains(bodyText, "ready") {
		return Check{Name: "riva.ready", Pass: true, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url)}
	}

	return Check{Name: "riva.ready", Pass: true, Message: fmt.Sprintf("ready at %s", url)}
}

// checkNATS dials the publish broker once.
func checkNATS(cfg config.Config) Check {
	conn, err := publish.Connect(cfg.Publish.NATSURL, nil)
	if err != nil {
		return Check{Name: "publish.nats", Pass: false, Message: err.Error()}
	}
	defer conn.Close()
	return Check{Name: "publish.nats", Pass: true, Message: fmt.Sprintf("connected to %s, subject %q", conn.ConnectedUrl(), cfg.Publish.Subject)}
}
