package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration. Values come from defaults, then
// the optional file named by SPOLY_CONFIG, then SPOLY_* environment
// variables.
type Config struct {
	// Hub
	HubAddress string // unix socket path or host:port
	StatePath  string // sqlite database backing the shared store

	// Capture, as ffmpeg input arguments
	MicInput     string
	DisplayInput string

	// Recording
	Formats     []string // preference order
	OpusBitrate int
	SpoolDir    string
	SaveDir     string

	// Silence detection
	SilenceThreshold float64
	ResumeThreshold  float64
	SilenceTimeout   time.Duration

	// Upload
	UploadURL      string
	UploadCompress bool
	UploadTimeout  time.Duration

	// Master lease
	LeaseHeartbeat time.Duration
	LeaseTimeout   time.Duration

	// MonitorPort serves the live mix over HTTP; 0 disables it.
	MonitorPort int

	// Notify enables desktop notifications in the hub.
	Notify bool

	LogLevel string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HubAddress:       filepath.Join(os.TempDir(), "spoly.sock"),
		StatePath:        "spoly-state.db",
		MicInput:         "-f pulse -i default",
		DisplayInput:     "-f pulse -i default.monitor",
		Formats:          []string{"ogg-opus", "wav", "pcm"},
		OpusBitrate:      128000,
		SaveDir:          "recordings",
		SilenceThreshold: 10,
		ResumeThreshold:  20,
		SilenceTimeout:   30 * time.Second,
		UploadURL:        "http://localhost:8000/generate-notes",
		UploadTimeout:    5 * time.Minute,
		LeaseHeartbeat:   2 * time.Second,
		LeaseTimeout:     10 * time.Second,
		Notify:           true,
		LogLevel:         "info",
	}
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("SPOLY_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.loadEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the recorder cannot run with.
func (c Config) Validate() error {
	if c.ResumeThreshold <= c.SilenceThreshold {
		return fmt.Errorf("config: resume threshold %v must be greater than silence threshold %v",
			c.ResumeThreshold, c.SilenceThreshold)
	}
	if c.SilenceTimeout <= 0 {
		return fmt.Errorf("config: silence timeout must be positive")
	}
	if len(c.Formats) == 0 {
		return fmt.Errorf("config: at least one recording format is required")
	}
	if c.LeaseHeartbeat <= 0 || c.LeaseTimeout <= c.LeaseHeartbeat {
		return fmt.Errorf("config: lease timeout %v must exceed heartbeat %v", c.LeaseTimeout, c.LeaseHeartbeat)
	}
	return nil
}

// Level maps LogLevel onto slog. Unknown names mean info.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c *Config) loadEnv() {
	c.HubAddress = envStr("SPOLY_HUB_ADDRESS", c.HubAddress)
	c.StatePath = envStr("SPOLY_STATE_PATH", c.StatePath)
	c.MicInput = envStr("SPOLY_MIC_INPUT", c.MicInput)
	c.DisplayInput = envStr("SPOLY_DISPLAY_INPUT", c.DisplayInput)
	c.Formats = envList("SPOLY_FORMATS", c.Formats)
	c.OpusBitrate = envInt("SPOLY_OPUS_BITRATE", c.OpusBitrate)
	c.SpoolDir = envStr("SPOLY_SPOOL_DIR", c.SpoolDir)
	c.SaveDir = envStr("SPOLY_SAVE_DIR", c.SaveDir)
	c.SilenceThreshold = envFloat("SPOLY_SILENCE_THRESHOLD", c.SilenceThreshold)
	c.ResumeThreshold = envFloat("SPOLY_RESUME_THRESHOLD", c.ResumeThreshold)
	c.SilenceTimeout = envDuration("SPOLY_SILENCE_TIMEOUT", c.SilenceTimeout)
	c.UploadURL = envStr("SPOLY_UPLOAD_URL", c.UploadURL)
	c.UploadCompress = envBool("SPOLY_UPLOAD_COMPRESS", c.UploadCompress)
	c.UploadTimeout = envDuration("SPOLY_UPLOAD_TIMEOUT", c.UploadTimeout)
	c.LeaseHeartbeat = envDuration("SPOLY_LEASE_HEARTBEAT", c.LeaseHeartbeat)
	c.LeaseTimeout = envDuration("SPOLY_LEASE_TIMEOUT", c.LeaseTimeout)
	c.MonitorPort = envInt("SPOLY_MONITOR_PORT", c.MonitorPort)
	c.Notify = envBool("SPOLY_NOTIFY", c.Notify)
	c.LogLevel = envStr("SPOLY_LOG_LEVEL", c.LogLevel)
}

// fileConfig is the on-disk shape. Unset fields keep their defaults.
type fileConfig struct {
	HubAddress       string   `yaml:"hub_address" json:"hub_address"`
	StatePath        string   `yaml:"state_path" json:"state_path"`
	MicInput         string   `yaml:"mic_input" json:"mic_input"`
	DisplayInput     string   `yaml:"display_input" json:"display_input"`
	Formats          []string `yaml:"formats" json:"formats"`
	OpusBitrate      int      `yaml:"opus_bitrate" json:"opus_bitrate"`
	SpoolDir         string   `yaml:"spool_dir" json:"spool_dir"`
	SaveDir          string   `yaml:"save_dir" json:"save_dir"`
	SilenceThreshold *float64 `yaml:"silence_threshold" json:"silence_threshold"`
	ResumeThreshold  *float64 `yaml:"resume_threshold" json:"resume_threshold"`
	SilenceTimeout   string   `yaml:"silence_timeout" json:"silence_timeout"`
	UploadURL        string   `yaml:"upload_url" json:"upload_url"`
	UploadCompress   *bool    `yaml:"upload_compress" json:"upload_compress"`
	UploadTimeout    string   `yaml:"upload_timeout" json:"upload_timeout"`
	LeaseHeartbeat   string   `yaml:"lease_heartbeat" json:"lease_heartbeat"`
	LeaseTimeout     string   `yaml:"lease_timeout" json:"lease_timeout"`
	MonitorPort      *int     `yaml:"monitor_port" json:"monitor_port"`
	Notify           *bool    `yaml:"notify" json:"notify"`
	LogLevel         string   `yaml:"log_level" json:"log_level"`
}

// loadFile merges a YAML (.yaml, .yml) or JSON with comments (.json,
// .jsonc) file over c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), &f)
	default:
		return fmt.Errorf("config: %s: unsupported file type", path)
	}
	if err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return c.merge(f)
}

func (c *Config) merge(f fileConfig) error {
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setStr(&c.HubAddress, f.HubAddress)
	setStr(&c.StatePath, f.StatePath)
	setStr(&c.MicInput, f.MicInput)
	setStr(&c.DisplayInput, f.DisplayInput)
	setStr(&c.SpoolDir, f.SpoolDir)
	setStr(&c.SaveDir, f.SaveDir)
	setStr(&c.UploadURL, f.UploadURL)
	setStr(&c.LogLevel, f.LogLevel)
	if len(f.Formats) > 0 {
		c.Formats = f.Formats
	}
	if f.OpusBitrate > 0 {
		c.OpusBitrate = f.OpusBitrate
	}
	if f.SilenceThreshold != nil {
		c.SilenceThreshold = *f.SilenceThreshold
	}
	if f.ResumeThreshold != nil {
		c.ResumeThreshold = *f.ResumeThreshold
	}
	if f.UploadCompress != nil {
		c.UploadCompress = *f.UploadCompress
	}
	if f.MonitorPort != nil {
		c.MonitorPort = *f.MonitorPort
	}
	if f.Notify != nil {
		c.Notify = *f.Notify
	}
	for _, d := range []struct {
		dst  *time.Duration
		v    string
		name string
	}{
		{&c.SilenceTimeout, f.SilenceTimeout, "silence_timeout"},
		{&c.UploadTimeout, f.UploadTimeout, "upload_timeout"},
		{&c.LeaseHeartbeat, f.LeaseHeartbeat, "lease_heartbeat"},
		{&c.LeaseTimeout, f.LeaseTimeout, "lease_timeout"},
	} {
		if d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("45s") or plain seconds ("45").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
