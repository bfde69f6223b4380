package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000" yaml:"listen_addr"`
	DataPath   string `envconfig:"DATA_PATH" default:"/var/lib/perch" yaml:"data_path"`

	// DatabasePath, SocketDir and LogPath default to locations under
	// DataPath when left empty.
	DatabasePath string `envconfig:"DATABASE_PATH" default:"" yaml:"database_path"`
	SocketDir    string `envconfig:"SOCKET_DIR" default:"" yaml:"socket_dir"`
	LogPath      string `envconfig:"LOG_PATH" default:"" yaml:"log_path"`

	// CreatorBinary is the dtach-compatible binary used to stand up the
	// durable session daemon and to attach to it.
	CreatorBinary string `envconfig:"CREATOR_BINARY" default:"dtach" yaml:"creator_binary"`
	DefaultShell  string `envconfig:"DEFAULT_SHELL" default:"/bin/bash" yaml:"default_shell"`

	// Session engine settings
	HistoryLines  int    `envconfig:"HISTORY_LINES" default:"10000" yaml:"history_lines"`
	CreateTimeout string `envconfig:"CREATE_TIMEOUT" default:"30s" yaml:"create_timeout"`
	DestroyGrace  string `envconfig:"DESTROY_GRACE" default:"5s" yaml:"destroy_grace"`
	SweepInterval string `envconfig:"SWEEP_INTERVAL" default:"15s" yaml:"sweep_interval"`
	// IdleTimeout destroys sessions with no attached viewer for longer
	// than this duration. Zero (the default) disables idle reaping:
	// detaching every viewer must not terminate a session.
	IdleTimeout string `envconfig:"IDLE_TIMEOUT" default:"0" yaml:"idle_timeout"`

	// Recording settings
	RecordingEnabled    bool `envconfig:"RECORDING_ENABLED" default:"false" yaml:"recording_enabled"`
	RecordingMaxEntries int  `envconfig:"RECORDING_MAX_ENTRIES" default:"10000" yaml:"recording_max_entries"`
}

var Cfg Settings

// Load populates Cfg from the environment (PERCH_* variables). If
// PERCH_CONFIG_FILE points at a YAML file, values from that file override
// the environment.
func Load() {
	if err := envconfig.Process("PERCH", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if path := os.Getenv("PERCH_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("failed to read config file %s: %v", path, err)
		}
		if err := yaml.Unmarshal(data, &Cfg); err != nil {
			log.Fatalf("failed to parse config file %s: %v", path, err)
		}
	}

	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "perch.db")
	}
	if Cfg.SocketDir == "" {
		Cfg.SocketDir = filepath.Join(Cfg.DataPath, "sockets")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "perch.log")
	}
}

// Duration parses a duration-valued setting. The literal "0" disables the
// feature the setting controls; an empty or malformed value falls back to def.
func Duration(value string, def time.Duration) time.Duration {
	if value == "0" {
		return 0
	}
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("WARNING: invalid duration %q, using %s", value, def)
		return def
	}
	return d
}
