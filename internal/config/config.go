// Package config provides configuration management for the companion.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// COMPANION_DIALOGUE_BASE_URL.
const EnvPrefix = "COMPANION"

// DefaultBaseURL hosts both /chat and /tts.
const DefaultBaseURL = "https://pongal-celeb.onrender.com"

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Dialogue DialogueConfig `mapstructure:"dialogue"`
	TTS      TTSConfig      `mapstructure:"tts"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	STT      STTConfig      `mapstructure:"stt"`
	Gloss    GlossConfig    `mapstructure:"gloss"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Console  ConsoleConfig  `mapstructure:"console"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // besides the server's own host
}

// DialogueConfig configures the chat backend
type DialogueConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"` // 0 disables
}

// TTSConfig configures speech output
type TTSConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Mode      string        `mapstructure:"mode"`   // auto, local, remote
	Engine    string        `mapstructure:"engine"` // auto, say, espeak-ng, espeak
	Player    string        `mapstructure:"player"` // auto, afplay, ffplay, mpv
	Locale    string        `mapstructure:"locale"`
	VoiceHint string        `mapstructure:"voice_hint"`
	Rate      float64       `mapstructure:"rate"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// CaptureConfig configures voice input
type CaptureConfig struct {
	Locale          string  `mapstructure:"locale"`
	Recorder        string  `mapstructure:"recorder"` // auto, rec, arecord
	MaxSeconds      int     `mapstructure:"max_seconds"`
	SpeechThreshold float64 `mapstructure:"speech_threshold"` // frame RMS; negative disables

	// FillerWords replaces the built-in hesitation list; [] disables it.
	FillerWords []string `mapstructure:"filler_words"`
}

// STTConfig configures transcription
type STTConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GlossConfig adjusts the built-in gloss dictionary
type GlossConfig struct {
	Overrides map[string]string `mapstructure:"overrides"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

// ConsoleConfig configures the stdin console
type ConsoleConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{Addr: "127.0.0.1:8765", AllowedOrigins: []string{}},
		Dialogue: DialogueConfig{
			BaseURL: DefaultBaseURL,
		},
		TTS: TTSConfig{
			BaseURL:   DefaultBaseURL,
			Mode:      "auto",
			Engine:    "auto",
			Player:    "auto",
			Locale:    "ta-IN",
			VoiceHint: "Google",
			Rate:      1.1,
		},
		Capture: CaptureConfig{
			Locale:          "en-IN",
			Recorder:        "auto",
			MaxSeconds:      8,
			SpeechThreshold: 0.01,
		},
		STT: STTConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "whisper-1",
			Timeout: 30 * time.Second,
		},
		Gloss: GlossConfig{Overrides: map[string]string{}},
		Logging: LoggingConfig{
			Level:   "info",
			Dir:     filepath.Join(home, ".cortexcompanion", "logs"),
			Console: true,
		},
		Console: ConsoleConfig{Enabled: false},
	}
}

// Dir returns the configuration directory path
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cortexcompanion"), nil
}

// LoadDotEnv loads KEY=VALUE files into the environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Manager owns a viper instance and the decoded Config.
type Manager struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg *Config
}

// NewManager reads configFile, or config.yaml from the config dir and the
// working directory when configFile is empty. A missing file is not an
// error; defaults and environment overrides still apply.
func NewManager(configFile string) (*Manager, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	m := &Manager{v: v}
	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

// Load reads configuration from file and environment
func Load(configFile string) (*Config, error) {
	m, err := NewManager(configFile)
	if err != nil {
		return DefaultConfig(), err
	}
	return m.Config(), nil
}

// Config returns the current configuration.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// File returns the config file in use, or "" when running on defaults.
func (m *Manager) File() string {
	return m.v.ConfigFileUsed()
}

// Watch re-reads the config file whenever it changes and passes the new
// Config to onChange. It does nothing when no file is in use.
func (m *Manager) Watch(logger zerolog.Logger, onChange func(*Config)) {
	log := logger.With().Str("component", "config").Logger()
	if m.File() == "" {
		log.Debug().Msg("No config file; live reload disabled")
		return
	}

	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := m.decode()
		if err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		m.mu.Lock()
		m.cfg = cfg
		m.mu.Unlock()

		log.Info().Str("file", e.Name).Msg("Config reloaded")
		if onChange != nil {
			onChange(cfg)
		}
	})
	m.v.WatchConfig()
	log.Info().Str("file", m.File()).Msg("Watching config file")
}

func (m *Manager) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := m.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Gloss.Overrides == nil {
		cfg.Gloss.Overrides = map[string]string{}
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override nested
// values during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("dialogue.base_url", d.Dialogue.BaseURL)
	v.SetDefault("dialogue.timeout", d.Dialogue.Timeout)

	v.SetDefault("tts.base_url", d.TTS.BaseURL)
	v.SetDefault("tts.mode", d.TTS.Mode)
	v.SetDefault("tts.engine", d.TTS.Engine)
	v.SetDefault("tts.player", d.TTS.Player)
	v.SetDefault("tts.locale", d.TTS.Locale)
	v.SetDefault("tts.voice_hint", d.TTS.VoiceHint)
	v.SetDefault("tts.rate", d.TTS.Rate)
	v.SetDefault("tts.timeout", d.TTS.Timeout)

	v.SetDefault("capture.locale", d.Capture.Locale)
	v.SetDefault("capture.recorder", d.Capture.Recorder)
	v.SetDefault("capture.max_seconds", d.Capture.MaxSeconds)
	v.SetDefault("capture.speech_threshold", d.Capture.SpeechThreshold)

	v.SetDefault("stt.base_url", d.STT.BaseURL)
	v.SetDefault("stt.api_key", d.STT.APIKey)
	v.SetDefault("stt.model", d.STT.Model)
	v.SetDefault("stt.timeout", d.STT.Timeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)
	v.SetDefault("logging.console", d.Logging.Console)

	v.SetDefault("console.enabled", d.Console.Enabled)
}
