// Package config provides application configuration management.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultSampleRate        = 16000
	DefaultWindowSamples     = 16000
	DefaultBlockBytes        = 2048
	DefaultReadTimeoutMs     = 100
	DefaultGain              = 8
	DefaultSilenceThreshold  = -90.0
	DefaultSilenceDurationMs = 30000 // 30 seconds in milliseconds
	DefaultSilenceRecoveryMs = 5000  // 5 seconds in milliseconds
	DefaultWindowTimeoutMs   = 3000
	DefaultClassifierTimeout = 5000
	DefaultIIODevice         = "iio:device0"
	DefaultADCMax            = 4095
	DefaultVRef              = 3.3
	DefaultVoltageMapping    = "legacy"
	DefaultGPIOChip          = "gpiochip0"
	DefaultGreenLine         = 17
	DefaultYellowLine        = 27
	DefaultRedLine           = 22
	DefaultLimitLow          = 70.0
	DefaultLimitHigh         = 90.0
	DefaultReportIntervalMs  = 1000
	DefaultReportTimeoutMs   = 10000
	DefaultStatusListenAddr  = ":8080"
	DefaultArchivePrefix     = "noise-reports"
	DefaultConfigFileName    = "config.json"
	DefaultSecretsFileName   = ".env"
)

// AudioConfig holds microphone capture and windowing settings.
type AudioConfig struct {
	Device             string  `json:"device"`                                    // ALSA capture device (empty = platform default)
	SampleRate         int     `json:"sample_rate" validate:"gte=8000,lte=48000"` // Samples per second
	WindowSamples      int     `json:"window_samples" validate:"gt=0"`            // Samples per inference window
	BlockBytes         int     `json:"block_bytes" validate:"gte=2,lte=65536"`    // Bytes requested per read
	ReadTimeoutMs      int64   `json:"read_timeout_ms" validate:"gt=0"`           // Bound on each read
	Gain               int     `json:"gain" validate:"gte=1,lte=64"`              // Integer sample gain
	SilenceThresholdDB float64 `json:"silence_threshold_db" validate:"lte=0"`     // Stalled microphone threshold in dBFS
	SilenceDurationMs  int64   `json:"silence_duration_ms" validate:"gt=0"`       // Silence before a warning
	SilenceRecoveryMs  int64   `json:"silence_recovery_ms" validate:"gte=0"`      // Signal before recovery
}

// ReadTimeout returns the per-read bound.
func (a AudioConfig) ReadTimeout() time.Duration {
	return time.Duration(a.ReadTimeoutMs) * time.Millisecond
}

// ClassifierConfig holds model runner settings.
type ClassifierConfig struct {
	ModelPath string `json:"model_path" validate:"required"` // Path to the .eim model
	TraceDir  string `json:"trace_dir"`                      // Request/response trace directory (empty = off)
	TimeoutMs int64  `json:"timeout_ms" validate:"gt=0"`     // Bound on one model request
}

// Timeout returns the model request bound.
func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// InferenceConfig holds orchestrator settings.
type InferenceConfig struct {
	WindowTimeoutMs int64 `json:"window_timeout_ms" validate:"gt=0"` // Wait for a completed window
}

// WindowTimeout returns the wait bound for a completed window.
func (i InferenceConfig) WindowTimeout() time.Duration {
	return time.Duration(i.WindowTimeoutMs) * time.Millisecond
}

// LevelConfig holds analog sound-level meter settings.
type LevelConfig struct {
	IIODevice      string  `json:"iio_device" validate:"required"`                    // IIO device name, e.g. iio:device0
	Channel        int     `json:"channel" validate:"gte=0"`                          // ADC voltage channel
	ADCMax         int     `json:"adc_max" validate:"gt=0"`                           // Full-scale raw value
	VRef           float64 `json:"vref" validate:"gt=0"`                              // Full-scale voltage
	VoltageMapping string  `json:"voltage_mapping" validate:"oneof=legacy exclusive"` // Volts to dB mapping
}

// IndicatorConfig holds LED wiring and thresholds.
type IndicatorConfig struct {
	GPIOChip   string  `json:"gpio_chip" validate:"required"`
	GreenLine  int     `json:"green_line" validate:"gte=0"`
	YellowLine int     `json:"yellow_line" validate:"gte=0"`
	RedLine    int     `json:"red_line" validate:"gte=0"`
	LimitLow   float64 `json:"limit_low" validate:"gte=0,ltfield=LimitHigh"`
	LimitHigh  float64 `json:"limit_high" validate:"gte=0"`
}

// ArchiveConfig holds the optional S3 report archive settings.
type ArchiveConfig struct {
	Endpoint        string `json:"endpoint" validate:"omitempty,url"`                 // S3-compatible endpoint (empty = AWS)
	Bucket          string `json:"bucket"`                                            // Bucket name (empty = archive off)
	AccessKeyID     string `json:"access_key_id" validate:"required_with=Bucket"`     // Access key
	SecretAccessKey string `json:"secret_access_key" validate:"required_with=Bucket"` // Secret key
	Prefix          string `json:"prefix"`                                            // Object key prefix
}

// ReportConfig holds collector settings.
type ReportConfig struct {
	URL           string        `json:"url" validate:"required,url"`                     // Collector endpoint
	Token         string        `json:"token"`                                           // Static bearer token
	TokenURL      string        `json:"token_url" validate:"omitempty,url"`              // OAuth2 token endpoint
	ClientID      string        `json:"client_id" validate:"required_with=TokenURL"`     // OAuth2 client ID
	ClientSecret  string        `json:"client_secret" validate:"required_with=TokenURL"` // OAuth2 client secret
	IntervalMs    int64         `json:"interval_ms" validate:"gte=100"`                  // Pause between cycles
	TimeoutMs     int64         `json:"timeout_ms" validate:"gt=0"`                      // HTTP request bound
	LinkInterface string        `json:"link_interface"`                                  // Interface that must be up (empty = any)
	Archive       ArchiveConfig `json:"archive"`
}

// Interval returns the pause between cycles.
func (r ReportConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

// Timeout returns the HTTP request bound.
func (r ReportConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// StatusConfig holds the read-only status server settings.
type StatusConfig struct {
	ListenAddr string `json:"listen_addr" validate:"omitempty,hostname_port"` // Empty disables the server
	APIKey     string `json:"api_key"`                                        // Required X-API-Key when set
}

// EventLogConfig holds the JSON lines event log settings.
type EventLogConfig struct {
	Path string `json:"path"` // Empty disables the event log
}

// AlertConfig holds stalled microphone alert settings.
type AlertConfig struct {
	WebhookURL string `json:"webhook_url" validate:"omitempty,url"` // Empty disables alerts
}

// Settings is the persisted configuration.
type Settings struct {
	Audio               AudioConfig      `json:"audio"`
	Classifier          ClassifierConfig `json:"classifier"`
	Inference           InferenceConfig  `json:"inference"`
	Level               LevelConfig      `json:"level"`
	Indicator           IndicatorConfig  `json:"indicator"`
	Report              ReportConfig     `json:"report"`
	Status              StatusConfig     `json:"status"`
	EventLog            EventLogConfig   `json:"event_log"`
	Alert               AlertConfig      `json:"alert"`
	Debug               bool             `json:"debug"`
	DisableVersionCheck bool             `json:"disable_version_check"`
}

// Config holds all application configuration. It is loaded once and is
// read-only afterwards.
type Config struct {
	Settings

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		Settings: Settings{
			Audio: AudioConfig{
				SampleRate:         DefaultSampleRate,
				WindowSamples:      DefaultWindowSamples,
				BlockBytes:         DefaultBlockBytes,
				ReadTimeoutMs:      DefaultReadTimeoutMs,
				Gain:               DefaultGain,
				SilenceThresholdDB: DefaultSilenceThreshold,
				SilenceDurationMs:  DefaultSilenceDurationMs,
				SilenceRecoveryMs:  DefaultSilenceRecoveryMs,
			},
			Classifier: ClassifierConfig{TimeoutMs: DefaultClassifierTimeout},
			Inference:  InferenceConfig{WindowTimeoutMs: DefaultWindowTimeoutMs},
			Level: LevelConfig{
				IIODevice:      DefaultIIODevice,
				ADCMax:         DefaultADCMax,
				VRef:           DefaultVRef,
				VoltageMapping: DefaultVoltageMapping,
			},
			Indicator: IndicatorConfig{
				GPIOChip:   DefaultGPIOChip,
				GreenLine:  DefaultGreenLine,
				YellowLine: DefaultYellowLine,
				RedLine:    DefaultRedLine,
				LimitLow:   DefaultLimitLow,
				LimitHigh:  DefaultLimitHigh,
			},
			Report: ReportConfig{
				IntervalMs: DefaultReportIntervalMs,
				TimeoutMs:  DefaultReportTimeoutMs,
				Archive:    ArchiveConfig{Prefix: DefaultArchivePrefix},
			},
			Status: StatusConfig{ListenAddr: DefaultStatusListenAddr},
		},
		filePath: filePath,
	}
}

// Load reads config from file, creating a default if none exists, then
// applies secrets and environment overrides and validates the result.
func (c *Config) Load() error {
	return c.LoadWith(os.LookupEnv)
}

// LoadWith is Load with an injectable environment lookup.
func (c *Config) LoadWith(lookup Lookup) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := c.saveLocked(); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to read config: %w", err)
	default:
		if err := json.Unmarshal(data, &c.Settings); err != nil {
			return util.WrapError("parse config", err)
		}
	}

	secrets, err := readSecrets(filepath.Join(filepath.Dir(c.filePath), DefaultSecretsFileName))
	if err != nil {
		return err
	}
	if err := applyOverrides(&c.Settings, chainLookup(lookup, secrets)); err != nil {
		return err
	}

	return validateSettings(&c.Settings)
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(&c.Settings, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// Path returns the configuration file path.
func (c *Config) Path() string {
	return c.filePath
}

// Snapshot returns a copy of all configuration values.
func (c *Config) Snapshot() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Settings
}
