package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type Mode string

const (
	ModeText  Mode = "text"
	ModeCode  Mode = "code"
	ModeImage Mode = "image"
)

// ParseMode maps an empty or unrecognized mode to ModeText.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCode:
		return ModeCode
	case ModeImage:
		return ModeImage
	default:
		return ModeText
	}
}

// Recognized option keys. Anything else is vendor passthrough.
const (
	OptionModel           = "model"
	OptionTemperature     = "temperature"
	OptionMaxOutputTokens = "maxOutputTokens"
	OptionMaxTokens       = "max_tokens"
)

const DefaultTemperature = 0.7

// Options is the free-form per-call tuning map sent alongside a prompt.
type Options map[string]any

// Clone returns a shallow copy so callers can set per-call keys safely.
func (o Options) Clone() Options {
	out := make(Options, len(o)+1)
	for k, v := range o {
		out[k] = v
	}
	return out
}

func (o Options) Model() (string, bool) {
	v, ok := o[OptionModel].(string)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (o Options) Temperature() float64 {
	if f, ok := toFloat(o[OptionTemperature]); ok {
		return f
	}
	return DefaultTemperature
}

// MaxOutputTokens returns the requested output budget, or def when the caller
// did not set one.
func (o Options) MaxOutputTokens(def int) int {
	for _, key := range []string{OptionMaxOutputTokens, OptionMaxTokens} {
		if f, ok := toFloat(o[key]); ok && f > 0 {
			return int(f)
		}
	}
	return def
}

// Passthrough returns the options that are not interpreted by adapters.
func (o Options) Passthrough() map[string]any {
	out := make(map[string]any)
	for k, v := range o {
		switch k {
		case OptionModel, OptionTemperature, OptionMaxOutputTokens, OptionMaxTokens:
			continue
		}
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// CredentialEnvName is the environment variable holding a vendor's API key.
func CredentialEnvName(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}

type GenerationRequest struct {
	Prompt  string  `json:"prompt"`
	Mode    Mode    `json:"mode"`
	Options Options `json:"options,omitempty"`
}

type ErrorKind string

const (
	ErrorKindConfiguration   ErrorKind = "configuration"
	ErrorKindVendor          ErrorKind = "vendor"
	ErrorKindUnknownProvider ErrorKind = "unknown_provider"
	ErrorKindUnavailable     ErrorKind = "unavailable"
	ErrorKindCanceled        ErrorKind = "canceled"
)

type GenerationResult struct {
	ProviderModelKey string    `json:"providerModelKey"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Text             string    `json:"text"`
	LatencyMs        int64     `json:"latencyMs"`
	TokensUsed       *int      `json:"tokensUsed,omitempty"`
	ContainsCode     bool      `json:"containsCode"`
	ContainsImages   bool      `json:"containsImages"`
	Failed           bool      `json:"failed"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	ErrorKind        ErrorKind `json:"errorKind,omitempty"`
	CostUSD          float64   `json:"costUsd,omitempty"`
}

// FailedResult builds the error variant of a result for the given key.
func FailedResult(provider, model string, kind ErrorKind, message string) GenerationResult {
	return GenerationResult{
		ProviderModelKey: provider + "/" + model,
		Provider:         provider,
		Model:            model,
		Failed:           true,
		ErrorKind:        kind,
		ErrorMessage:     message,
	}
}

// Usage is what a vendor reported about token consumption. Zero values mean
// not reported.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Total returns the token count to surface as tokensUsed, or false when the
// vendor reported nothing.
func (u Usage) Total() (int, bool) {
	if u.TotalTokens > 0 {
		return u.TotalTokens, true
	}
	if sum := u.InputTokens + u.OutputTokens; sum > 0 {
		return sum, true
	}
	return 0, false
}

type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentCode  ContentKind = "code"
	ContentImage ContentKind = "image"
)

type ContentBlock struct {
	Kind     ContentKind `json:"kind"`
	Content  string      `json:"content"`
	Language string      `json:"language,omitempty"`
	AltText  string      `json:"altText,omitempty"`
}

type SavedComparison struct {
	Prompt      string             `json:"prompt"`
	Temperature float64            `json:"temperature"`
	Mode        Mode               `json:"mode,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Responses   []GenerationResult `json:"responses"`
}

// NormalizeTimestamp is the identity form of a comparison timestamp: UTC with
// millisecond precision.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// TimestampKey renders a timestamp in the form used in URLs and store keys.
func TimestampKey(t time.Time) string {
	return NormalizeTimestamp(t).Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseTimestampKey accepts any RFC 3339 timestamp and normalizes it.
func ParseTimestampKey(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return NormalizeTimestamp(t), nil
}
