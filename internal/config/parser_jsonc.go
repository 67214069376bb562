package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsoncConfig struct {
	Hardware *jsoncStringList `json:"hardware"`
	Backend  *string          `json:"backend"`
	Listen   *jsoncListen     `json:"listen"`
	Watson   *jsoncWatson     `json:"watson"`
	Riva     *jsoncRiva       `json:"riva"`
	Publish  *jsoncPublish    `json:"publish"`
	Log      *jsoncLog        `json:"log"`
}

type jsoncListen struct {
	Device                     *string         `json:"device"`
	Fallback                   *string         `json:"fallback"`
	Language                   *string         `json:"language"`
	Model                      *string         `json:"model"`
	CustomModelID              *string         `json:"custom_model_id"`
	LanguageModelID            *string         `json:"language_model_id"`
	InactivityTimeout          *int            `json:"inactivity_timeout"`
	BackgroundAudioSuppression *float64        `json:"background_audio_suppression"`
	InterimResults             *bool           `json:"interim_results"`
	SettleMS                   *int            `json:"settle_ms"`
	Reconnect                  *jsoncReconnect `json:"reconnect"`
}

type jsoncReconnect struct {
	MaxAttempts *int `json:"max_attempts"`
	BackoffMS   *int `json:"backoff_ms"`
}

type jsoncWatson struct {
	URL         *string `json:"url"`
	APIKey      *string `json:"apikey"`
	AccessToken *string `json:"access_token"`
}

type jsoncRiva struct {
	GRPC       *string `json:"grpc"`
	HTTP       *string `json:"http"`
	HealthPath *string `json:"health_path"`
}

type jsoncPublish struct {
	Enable  *bool   `json:"enable"`
	NATSURL *string `json:"nats_url"`
	Subject *string `json:"subject"`
}

type jsoncLog struct {
	Level *string `json:"level"`
}

type jsoncStringList []string

func (l *jsoncStringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		parts := strings.Split(single, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
		*l = out
		return nil
	}

	return fmt.Errorf("expected string array or comma-delimited string")
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	warnings, err := payload.applyTo(&cfg)
	if err != nil {
		return Config{}, nil, err
	}

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	warnings = append(warnings, validatedWarnings...)
	return cfg, warnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if payload.Hardware != nil {
		cfg.Hardware = make([]string, 0, len(*payload.Hardware))
		for _, name := range *payload.Hardware {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			cfg.Hardware = append(cfg.Hardware, name)
		}
	}
	if payload.Backend != nil {
		cfg.Backend = strings.ToLower(strings.TrimSpace(*payload.Backend))
	}

	if l := payload.Listen; l != nil {
		setString(&cfg.Listen.Device, l.Device)
		setString(&cfg.Listen.Fallback, l.Fallback)
		setString(&cfg.Listen.Language, l.Language)
		setString(&cfg.Listen.Model, l.Model)
		setString(&cfg.Listen.CustomModelID, l.CustomModelID)
		setString(&cfg.Listen.LanguageModelID, l.LanguageModelID)
		if l.InactivityTimeout != nil {
			cfg.Listen.InactivityTimeout = *l.InactivityTimeout
		}
		if l.BackgroundAudioSuppression != nil {
			v := *l.BackgroundAudioSuppression
			cfg.Listen.BackgroundSuppression = &v
		}
		if l.InterimResults != nil {
			cfg.Listen.InterimResults = *l.InterimResults
		}
		if l.SettleMS != nil {
			cfg.Listen.SettleMS = *l.SettleMS
		}
		if l.Reconnect != nil {
			if l.Reconnect.MaxAttempts != nil {
				cfg.Listen.Reconnect.MaxAttempts = *l.Reconnect.MaxAttempts
			}
			if l.Reconnect.BackoffMS != nil {
				cfg.Listen.Reconnect.BackoffMS = *l.Reconnect.BackoffMS
			}
		}
	}

	if w := payload.Watson; w != nil {
		setString(&cfg.Watson.URL, w.URL)
		setString(&cfg.Watson.APIKey, w.APIKey)
		setString(&cfg.Watson.AccessToken, w.AccessToken)
	}

	if r := payload.Riva; r != nil {
		setString(&cfg.Riva.GRPC, r.GRPC)
		setString(&cfg.Riva.HTTP, r.HTTP)
		setString(&cfg.Riva.HealthPath, r.HealthPath)
	}

	if p := payload.Publish; p != nil {
		if p.Enable != nil {
			cfg.Publish.Enable = *p.Enable
		}
		setString(&cfg.Publish.NATSURL, p.NATSURL)
		setString(&cfg.Publish.Subject, p.Subject)
	}

	if payload.Log != nil {
		setString(&cfg.Log.Level, payload.Log.Level)
	}

	return warnings, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

// normalizeJSONC blanks comments and drops trailing commas so encoding/json
// accepts the document. Comment bytes become spaces and newlines survive, so
// decoder offsets still map onto the original line and column.
func normalizeJSONC(content string) (string, error) {
	out := []byte(content)
	pendingComma := -1

	for i := 0; i < len(out); i++ {
		switch ch := out[i]; {
		case ch == '"':
			pendingComma = -1
			i = skipJSONString(out, i)
		case ch == '/' && i+1 < len(out) && out[i+1] == '/':
			i = blankUntil(out, i, func(j int) bool { return out[j] == '\n' || out[j] == '\r' }) - 1
		case ch == '/' && i+1 < len(out) && out[i+1] == '*':
			end := strings.Index(string(out[i+2:]), "*/")
			if end < 0 {
				return "", errors.New("unterminated block comment in JSONC")
			}
			stop := i + 2 + end + 2
			blankUntil(out, i, func(j int) bool { return j == stop })
			i = stop - 1
		case ch == ',':
			pendingComma = i
		case ch == '}' || ch == ']':
			if pendingComma >= 0 {
				out[pendingComma] = ' '
			}
			pendingComma = -1
		case !isJSONWhitespace(ch):
			pendingComma = -1
		}
	}

	return string(out), nil
}

// skipJSONString returns the index of the closing quote of the string opened
// at start, or the last index when the string never closes.
func skipJSONString(b []byte, start int) int {
	for i := start + 1; i < len(b); i++ {
		switch b[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return len(b) - 1
}

// blankUntil overwrites b[from:] with spaces up to the first index where stop
// holds, keeping line breaks and tabs. It returns that index.
func blankUntil(b []byte, from int, stop func(int) bool) int {
	i := from
	for ; i < len(b) && !stop(i); i++ {
		if b[i] != '\n' && b[i] != '\r' && b[i] != '\t' {
			b[i] = ' '
		}
	}
	return i
}

func isJSONWhitespace(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\r' || ch == '\t'
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	limit := min(offset, int64(len(content)))
	if limit < 1 {
		return 1, 1
	}
	prefix := content[:limit-1]
	return strings.Count(prefix, "\n") + 1, len(prefix) - strings.LastIndexByte(prefix, '\n')
}
