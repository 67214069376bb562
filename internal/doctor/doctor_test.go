package doctor

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/hark/internal/config"
)

func TestReportOKAndString(t *testing.T) {
	report := Report{Checks: []Check{
		{Name: "one", Pass: true, Message: "good"},
		{Name: "two", Pass: false, Message: "bad"},
	}}

	require.False(t, report.OK())
	text := report.String()
	require.Contains(t, text, "[OK] one: good")
	require.Contains(t, text, "[FAIL] two: bad")
}

func TestReportOKAllPassing(t *testing.T) {
	report := Report{Checks: []Check{{Name: "one", Pass: true}, {Name: "two", Pass: true}}}
	require.True(t, report.OK())
}

func TestCheckEnv(t *testing.T) {
	t.Setenv("TEST_DOCTOR_ENV", "/run/user/1000")

	check := checkEnv(
		"TEST_DOCTOR_ENV",
		func(v string) bool { return v != "" },
		"looks good",
		"unexpected",
	)

	require.True(t, check.Pass)
	require.Equal(t, "looks good", check.Message)
}

func TestCheckHardware(t *testing.T) {
	cfg := config.Default()
	require.True(t, checkHardware(cfg).Pass)

	cfg.Hardware = []string{config.HardwareSpeaker}
	check := checkHardware(cfg)
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "microphone")
}

func TestCheckCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Watson = config.WatsonConfig{}
	check := checkCredentials(cfg)
	require.False(t, check.Pass)
	require.Equal(t, "watson.credentials", check.Name)
	require.Contains(t, check.Message, config.EnvWatsonAPIKey)

	cfg.Watson = config.WatsonConfig{URL: "https://stt.example.com", APIKey: "k"}
	require.True(t, checkCredentials(cfg).Pass)

	cfg.Backend = config.BackendRiva
	cfg.Riva.GRPC = ""
	check = checkCredentials(cfg)
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "riva.grpc")

	cfg.Backend = "whisper"
	require.Contains(t, checkCredentials(cfg).Message, "unknown backend")
}

func TestCheckWatsonURL(t *testing.T) {
	cfg := config.Default()
	cfg.Watson.URL = "https://stt.example.com/instances/abc"

	check := checkWatsonURL(cfg)
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "wss://stt.example.com/instances/abc/v1/recognize")
	require.Contains(t, check.Message, "model=en-US_BroadbandModel")

	cfg.Watson.URL = "ftp://stt.example.com"
	require.False(t, checkWatsonURL(cfg).Pass)

	cfg.Watson.URL = ""
	require.Contains(t, checkWatsonURL(cfg).Message, "watson.url is empty")
}

func TestCheckRivaReadySuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/health/ready", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Riva.HTTP = strings.TrimPrefix(server.URL, "http://")
	cfg.Riva.HealthPath = "/v1/health/ready"

	check := checkRivaReady(cfg)
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "ready at")
}

func TestCheckRivaReadyFailureStatusCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Riva.HTTP = server.URL
	cfg.Riva.HealthPath = "/v1/health/ready"

	check := checkRivaReady(cfg)
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "HTTP 503")
}

func TestCheckRivaReadyPassesOnHTTP200NonReadyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("warming-up"))
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Riva.HTTP = strings.TrimPrefix(server.URL, "http://")

	check := checkRivaReady(cfg)
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "HTTP 200")
}

func TestCheckRivaReadyEmptyBaseURL(t *testing.T) {
	cfg := config.Default()
	cfg.Riva.HTTP = ""

	check := checkRivaReady(cfg)
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "riva.http is empty")
}

func TestCheckAudioSelectionFailureWithInvalidPulseServer(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")

	check := checkAudioSelection(config.Default())
	require.False(t, check.Pass)
	require.Contains(t, check.Name, "audio.device")
}

func TestCheckNATSUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Publish.NATSURL = "nats://127.0.0.1:1"

	check := checkNATS(cfg)
	require.False(t, check.Pass)
	require.Equal(t, "publish.nats", check.Name)
}

func TestRunSelectsBackendChecks(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	cfg := config.Default()
	cfg.Backend = config.BackendRiva
	cfg.Riva.HTTP = ""

	report := Run(config.Loaded{Path: "/tmp/config.jsonc", Config: cfg})
	names := checkNames(report)
	require.Contains(t, names, "riva.ready")
	require.NotContains(t, names, "watson.url")
	require.NotContains(t, names, "publish.nats")
	require.Contains(t, names, "XDG_RUNTIME_DIR")
	require.False(t, report.OK())

	cfg.Backend = config.BackendWatson
	cfg.Publish.Enable = true
	cfg.Publish.NATSURL = "nats://127.0.0.1:1"
	names = checkNames(Run(config.Loaded{Path: "/tmp/config.jsonc", Config: cfg}))
	require.Contains(t, names, "watson.url")
	require.Contains(t, names, "publish.nats")
	require.NotContains(t, names, "riva.ready")
}

func checkNames(report Report) []string {
	names := make([]string, 0, len(report.Checks))
	for _, check := range report.Checks {
		names = append(names, check.Name)
	}
	return names
}
