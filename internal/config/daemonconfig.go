// Package config loads requestd's daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/ini.v1"
)

// Config is the unified requestd configuration.
//
// Config file location:
//   - Windows: %APPDATA%\requestd\requestd.conf
//   - Unix: ~/.config/requestd/requestd.conf
//
// INI format:
//
//	[daemon]
//	socket_path =
//	cache_dir =
//	log_level = info
//
//	[scheduler]
//	high_qos_max = 4
//	rss_level = 0
//
//	[executor]
//	connect_timeout_seconds = 60
//	request_timeout_seconds = 604800
//	low_speed_bytes_per_sec = 1024
//	low_speed_window_seconds = 30
//	max_retries = 5
//
//	[preload]
//	ram_capacity_bytes = 67108864
//	file_capacity_bytes = 536870912
type Config struct {
	Daemon    DaemonSection
	Scheduler SchedulerSection
	Executor  ExecutorSection
	Preload   PreloadSection
}

type DaemonSection struct {
	SocketPath string `ini:"socket_path"`
	CacheDir   string `ini:"cache_dir"`
	LogLevel   string `ini:"log_level"`
}

type SchedulerSection struct {
	HighQosMax int `ini:"high_qos_max"`
	RssLevel   int `ini:"rss_level"`
}

type ExecutorSection struct {
	ConnectTimeoutSeconds  int   `ini:"connect_timeout_seconds"`
	RequestTimeoutSeconds  int   `ini:"request_timeout_seconds"`
	LowSpeedBytesPerSec    int64 `ini:"low_speed_bytes_per_sec"`
	LowSpeedWindowSeconds  int   `ini:"low_speed_window_seconds"`
	MaxRetries             int   `ini:"max_retries"`
}

type PreloadSection struct {
	RamCapacityBytes  int64 `ini:"ram_capacity_bytes"`
	FileCapacityBytes int64 `ini:"file_capacity_bytes"`
}

var ErrInvalidHighQosMax = errors.New("scheduler.high_qos_max must be >= 1")

// DefaultConfigPath mirrors the teacher's per-OS config directory
// resolution (internal/config/daemonconfig.go DefaultDaemonConfigPath).
func DefaultConfigPath() (string, error) {
	var configDir string
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", errors.New("APPDATA not set")
		}
		configDir = filepath.Join(appData, "requestd")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", "requestd")
	}
	return filepath.Join(configDir, "requestd.conf"), nil
}

// DefaultCacheDir returns the platform default cache directory (spec.md
// §6 "cache lives under a platform-provided cache directory").
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "requestd")
	}
	return filepath.Join(os.TempDir(), "requestd-cache")
}

// New returns a Config populated with defaults.
func New() *Config {
	sock := "/tmp/requestd.sock"
	if runtime.GOOS == "windows" {
		sock = `\\.\pipe\requestd`
	}
	return &Config{
		Daemon: DaemonSection{
			SocketPath: sock,
			CacheDir:   DefaultCacheDir(),
			LogLevel:   "info",
		},
		Scheduler: SchedulerSection{HighQosMax: 4, RssLevel: 0},
		Executor: ExecutorSection{
			ConnectTimeoutSeconds: 60,
			RequestTimeoutSeconds: 7 * 24 * 3600,
			LowSpeedBytesPerSec:   1024,
			LowSpeedWindowSeconds: 30,
			MaxRetries:            5,
		},
		Preload: PreloadSection{
			RamCapacityBytes:  64 * 1024 * 1024,
			FileCapacityBytes: 512 * 1024 * 1024,
		},
	}
}

// Load reads configuration from path, falling back to defaults for
// anything unset or if the file does not exist.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load requestd.conf: %w", err)
	}

	d := f.Section("daemon")
	cfg.Daemon.SocketPath = d.Key("socket_path").MustString(cfg.Daemon.SocketPath)
	cfg.Daemon.CacheDir = d.Key("cache_dir").MustString(cfg.Daemon.CacheDir)
	cfg.Daemon.LogLevel = d.Key("log_level").MustString(cfg.Daemon.LogLevel)

	s := f.Section("scheduler")
	cfg.Scheduler.HighQosMax = s.Key("high_qos_max").MustInt(cfg.Scheduler.HighQosMax)
	cfg.Scheduler.RssLevel = s.Key("rss_level").MustInt(cfg.Scheduler.RssLevel)

	e := f.Section("executor")
	cfg.Executor.ConnectTimeoutSeconds = e.Key("connect_timeout_seconds").MustInt(cfg.Executor.ConnectTimeoutSeconds)
	cfg.Executor.RequestTimeoutSeconds = e.Key("request_timeout_seconds").MustInt(cfg.Executor.RequestTimeoutSeconds)
	cfg.Executor.LowSpeedBytesPerSec = int64(e.Key("low_speed_bytes_per_sec").MustInt64(cfg.Executor.LowSpeedBytesPerSec))
	cfg.Executor.LowSpeedWindowSeconds = e.Key("low_speed_window_seconds").MustInt(cfg.Executor.LowSpeedWindowSeconds)
	cfg.Executor.MaxRetries = e.Key("max_retries").MustInt(cfg.Executor.MaxRetries)

	p := f.Section("preload")
	cfg.Preload.RamCapacityBytes = p.Key("ram_capacity_bytes").MustInt64(cfg.Preload.RamCapacityBytes)
	cfg.Preload.FileCapacityBytes = p.Key("file_capacity_bytes").MustInt64(cfg.Preload.FileCapacityBytes)

	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface as confusing
// runtime panics in the scheduler/executor.
func (cfg *Config) Validate() error {
	if cfg.Scheduler.HighQosMax < 1 {
		return ErrInvalidHighQosMax
	}
	return nil
}

// Save writes cfg to path atomically (temp file + rename), mirroring the
// teacher's SaveDaemonConfig.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f := ini.Empty()
	d, _ := f.NewSection("daemon")
	d.Key("socket_path").SetValue(cfg.Daemon.SocketPath)
	d.Key("cache_dir").SetValue(cfg.Daemon.CacheDir)
	d.Key("log_level").SetValue(cfg.Daemon.LogLevel)

	s, _ := f.NewSection("scheduler")
	s.Key("high_qos_max").SetValue(fmt.Sprintf("%d", cfg.Scheduler.HighQosMax))
	s.Key("rss_level").SetValue(fmt.Sprintf("%d", cfg.Scheduler.RssLevel))

	e, _ := f.NewSection("executor")
	e.Key("connect_timeout_seconds").SetValue(fmt.Sprintf("%d", cfg.Executor.ConnectTimeoutSeconds))
	e.Key("request_timeout_seconds").SetValue(fmt.Sprintf("%d", cfg.Executor.RequestTimeoutSeconds))
	e.Key("low_speed_bytes_per_sec").SetValue(fmt.Sprintf("%d", cfg.Executor.LowSpeedBytesPerSec))
	e.Key("low_speed_window_seconds").SetValue(fmt.Sprintf("%d", cfg.Executor.LowSpeedWindowSeconds))
	e.Key("max_retries").SetValue(fmt.Sprintf("%d", cfg.Executor.MaxRetries))

	p, _ := f.NewSection("preload")
	p.Key("ram_capacity_bytes").SetValue(fmt.Sprintf("%d", cfg.Preload.RamCapacityBytes))
	p.Key("file_capacity_bytes").SetValue(fmt.Sprintf("%d", cfg.Preload.FileCapacityBytes))

	tmp := path + ".tmp"
	if err := f.SaveTo(tmp); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmp, 0o600); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	return os.Rename(tmp, path)
}
