package config

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gdamore/tcell/v2"
	"github.com/glebovdev/cubeplay/internal/audio"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	AppName           = "cubeplay"
	AppTagline        = "Gapless terminal music player"
	AppDescription    = "A terminal music player with gapless and crossfaded playback"
	AppAuthor         = "Ilya Glebov"
	AppAuthorURL      = "https://ilyaglebov.dev"
	AppAuthorURLShort = "ilyaglebov.dev"
	AppProjectURL     = "https://github.com/glebovdev/cubeplay"
	AppProjectShort   = "github.com/glebovdev/cubeplay"

	ConfigDir      = ".config/cubeplay"
	ConfigFileName = "config.yml"
	DefaultVolume  = 70
	MinVolume      = 0
	MaxVolume      = 100

	DefaultSampleRate         = 44100
	DefaultDeviceBufferMs     = 250
	DefaultOutputQueueBuffers = 8
	DefaultPrebufferBuffers   = 16
	DefaultMixPointLookahead  = 2000
	DefaultCrossfadeMs        = 1000
	DefaultRetryIntervalMs    = 1000
	DefaultCacheExpiryHours   = 7 * 24
	DefaultCacheMaxEntries    = 64

	// MaxPreampDB bounds playback.preamp_db in both directions.
	MaxPreampDB = 20.0

	// reloadDelay lets editors finish writing before the file is re-read.
	reloadDelay = 100 * time.Millisecond
)

// ClampVolume ensures volume is within the valid range [0, 100].
func ClampVolume(volume int) int {
	if volume < MinVolume {
		return MinVolume
	}
	if volume > MaxVolume {
		return MaxVolume
	}
	return volume
}

// AppVersion can be overridden at build time using ldflags:
// go build -ldflags "-X github.com/glebovdev/cubeplay/internal/config.AppVersion=1.0.0"
var AppVersion = "dev"

type Theme struct {
	Background       string `yaml:"background"`
	Foreground       string `yaml:"foreground"`
	Borders          string `yaml:"borders"`
	Highlight        string `yaml:"highlight"`
	MutedVolume      string `yaml:"muted_volume"`
	HeaderBackground string `yaml:"header_background"`
	QueueHeader      string `yaml:"queue_header"`
	HelpBackground   string `yaml:"help_background"`
	HelpForeground   string `yaml:"help_foreground"`
	HelpHotkey       string `yaml:"help_hotkey"`
	Spectrum         string `yaml:"spectrum"`
	ModalBackground  string `yaml:"modal_background"`
}

type Playback struct {
	Output             string `yaml:"output"`
	SampleRate         int    `yaml:"sample_rate"`
	DeviceBufferMs     int    `yaml:"device_buffer_ms"`
	OutputQueueBuffers int    `yaml:"output_queue_buffers"`
	PrebufferBuffers   int    `yaml:"prebuffer_buffers"`
	MixPointLookahead  int    `yaml:"mix_point_lookahead_ms"`
	CrossfadeMs        int    `yaml:"crossfade_ms"`
	Transition         string `yaml:"transition"`
	RetryIntervalMs    int    `yaml:"retry_interval_ms"`
	// PreampDB is a gain in dB applied to every decoded sample.
	PreampDB float64 `yaml:"preamp_db"`
}

type Cache struct {
	ExpiryHours int `yaml:"expiry_hours"`
	MaxEntries  int `yaml:"max_entries"`
}

type Config struct {
	Volume    int      `yaml:"volume"`
	Muted     bool     `yaml:"muted"`
	Repeat    string   `yaml:"repeat"`
	Shuffle   bool     `yaml:"shuffle"`
	LastQueue []string `yaml:"last_queue"`
	Playback  Playback `yaml:"playback"`
	Cache     Cache    `yaml:"cache"`
	Theme     Theme    `yaml:"theme"`
}

func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configPath := filepath.Join(home, ConfigDir, ConfigFileName)
	return configPath, nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}
	return LoadFrom(configPath)
}

// LoadFrom reads the config at path. A missing file yields the defaults.
func LoadFrom(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Volume = ClampVolume(c.Volume)

	switch c.Repeat {
	case "none", "list", "track":
	default:
		c.Repeat = "none"
	}

	p := &c.Playback
	if _, err := audio.ParseTransition(p.Transition); err != nil {
		log.Warn().Str("transition", p.Transition).Msg("Unknown transition, using gapless")
		p.Transition = audio.TransitionGapless.String()
	}
	p.SampleRate = orDefault(p.SampleRate, DefaultSampleRate)
	p.DeviceBufferMs = orDefault(p.DeviceBufferMs, DefaultDeviceBufferMs)
	p.OutputQueueBuffers = orDefault(p.OutputQueueBuffers, DefaultOutputQueueBuffers)
	p.PrebufferBuffers = orDefault(p.PrebufferBuffers, DefaultPrebufferBuffers)
	p.MixPointLookahead = orDefault(p.MixPointLookahead, DefaultMixPointLookahead)
	p.CrossfadeMs = orDefault(p.CrossfadeMs, DefaultCrossfadeMs)
	p.RetryIntervalMs = orDefault(p.RetryIntervalMs, DefaultRetryIntervalMs)
	p.PreampDB = math.Max(-MaxPreampDB, math.Min(MaxPreampDB, p.PreampDB))

	c.Cache.ExpiryHours = orDefault(c.Cache.ExpiryHours, DefaultCacheExpiryHours)
	c.Cache.MaxEntries = orDefault(c.Cache.MaxEntries, DefaultCacheMaxEntries)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Options converts the playback section into transport options.
func (c *Config) Options() audio.Options {
	transition, _ := audio.ParseTransition(c.Playback.Transition)
	return audio.Options{
		Transition:        transition,
		OutputName:        c.Playback.Output,
		PrebufferCount:    c.Playback.PrebufferBuffers,
		MixPointLookahead: time.Duration(c.Playback.MixPointLookahead) * time.Millisecond,
		CrossfadeDuration: time.Duration(c.Playback.CrossfadeMs) * time.Millisecond,
		RetryInterval:     time.Duration(c.Playback.RetryIntervalMs) * time.Millisecond,
		Gain:              c.Gain(),
	}
}

// Gain returns the preamp as a linear sample multiplier.
func (c *Config) Gain() float64 {
	return math.Pow(10, c.Playback.PreampDB/20)
}

// CacheExpiry returns the cache expiry as a duration.
func (c *Config) CacheExpiry() time.Duration {
	return time.Duration(c.Cache.ExpiryHours) * time.Hour
}

// Save writes the configuration to disk atomically using temp file + rename.
func (c *Config) Save() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

func (c *Config) SaveTo(configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpFile, err := os.CreateTemp(configDir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, configPath); err != nil {
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	tmpPath = "" // Prevent defer from removing the final file
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Volume:    DefaultVolume,
		Repeat:    "none",
		LastQueue: []string{},
		Playback: Playback{
			SampleRate:         DefaultSampleRate,
			DeviceBufferMs:     DefaultDeviceBufferMs,
			OutputQueueBuffers: DefaultOutputQueueBuffers,
			PrebufferBuffers:   DefaultPrebufferBuffers,
			MixPointLookahead:  DefaultMixPointLookahead,
			CrossfadeMs:        DefaultCrossfadeMs,
			Transition:         audio.TransitionGapless.String(),
			RetryIntervalMs:    DefaultRetryIntervalMs,
		},
		Cache: Cache{
			ExpiryHours: DefaultCacheExpiryHours,
			MaxEntries:  DefaultCacheMaxEntries,
		},
		Theme: Theme{
			Background:       "#1a1b25",
			Foreground:       "#a3aacb",
			Borders:          "#40445b",
			Highlight:        "#ff9d65",
			MutedVolume:      "#fe0702",
			HeaderBackground: "#473533",
			QueueHeader:      "#c8d0e8",
			HelpBackground:   "#322f45",
			HelpForeground:   "#9aa3c6",
			HelpHotkey:       "#ff9d65",
			Spectrum:         "#7aa2f7",
			ModalBackground:  "#282a36",
		},
	}
}

func GetColor(colorStr string) tcell.Color {
	if colorStr == "" || colorStr == "default" {
		return tcell.ColorDefault
	}
	return tcell.GetColor(colorStr)
}

// Watch calls fn with the reloaded config whenever the config file changes,
// until ctx is done.
func Watch(ctx context.Context, fn func(*Config)) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	return WatchFile(ctx, configPath, fn)
}

// WatchFile watches the directory holding configPath, since Save replaces
// the file by rename.
func WatchFile(ctx context.Context, configPath string, fn func(*Config)) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	log.Debug().Str("path", configPath).Msg("Watching config file")

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(configPath) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				reload = time.After(reloadDelay)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-reload:
			reload = nil
			cfg, err := LoadFrom(configPath)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to reload config")
				continue
			}
			log.Debug().Msg("Config reloaded")
			fn(cfg)
		}
	}
}
