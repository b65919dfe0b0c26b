// Package config loads the engine's process-wide tunables: SCP geometry
// expectations, default sandbox flags, and log level. Not part of the
// core's per-instance API; read once by whatever embeds the engine and
// passed to pkg/instance.
//
// Every field has a zero-value-safe default, so the engine runs with no
// config file present at all.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/asmase-go/asmase/pkg/instance"
	"github.com/asmase-go/asmase/pkg/scp"
)

// EngineConfig holds the tunables a complete engine needs at startup.
type EngineConfig struct {
	// SCPPages and CodeMax describe the SCP geometry a config file
	// expects this binary to have been built with. pkg/scp's page count
	// and code-buffer limit are compile-time constants (the SCP is a
	// fixed-size memfd mapping reused across every Execute call), so
	// these fields are not overrides: Load fails fast if they disagree
	// with the running binary's actual geometry, catching a config file
	// written for a differently built binary before it causes a
	// confusing CodeTooLarge deep inside an Execute call.
	SCPPages int `toml:"scp_pages"`
	CodeMax  int `toml:"code_max"`

	// DefaultSandbox lists the sandbox options new Instances should
	// request when the embedder doesn't specify its own flags: any of
	// "fds", "syscalls", "all".
	DefaultSandbox []string `toml:"default_sandbox"`

	// LogLevel is a logrus level name ("debug", "warn", "error", ...).
	// Default is "warn": quiet unless the embedder asks for more.
	LogLevel string `toml:"log_level"`
}

// Default returns the zero-value-safe configuration the engine runs with
// when no config file is present.
func Default() EngineConfig {
	return EngineConfig{
		SCPPages: scp.NumPages,
		CodeMax:  scp.CodeMax,
		LogLevel: "warn",
	}
}

// Load reads an optional TOML config file. An empty path returns
// Default unchanged.
func Load(path string) (EngineConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("asmase: config: decode %s: %w", path, err)
	}
	if cfg.SCPPages != scp.NumPages {
		return EngineConfig{}, fmt.Errorf("asmase: config: scp_pages=%d does not match this binary's compiled geometry (%d)", cfg.SCPPages, scp.NumPages)
	}
	if cfg.CodeMax != scp.CodeMax {
		return EngineConfig{}, fmt.Errorf("asmase: config: code_max=%d does not match this binary's compiled geometry (%d)", cfg.CodeMax, scp.CodeMax)
	}
	return cfg, nil
}

// SandboxFlags parses DefaultSandbox into an instance.SandboxFlags
// bitmask.
func (c EngineConfig) SandboxFlags() (instance.SandboxFlags, error) {
	var flags instance.SandboxFlags
	for _, name := range c.DefaultSandbox {
		switch name {
		case "fds":
			flags |= instance.SandboxFds
		case "syscalls":
			flags |= instance.SandboxSyscalls
		case "all":
			flags |= instance.SandboxAll
		default:
			return 0, fmt.Errorf("asmase: config: unknown default_sandbox entry %q", name)
		}
	}
	return flags, flags.Validate()
}

// Logger builds a logrus.Entry at the configured level.
func (c EngineConfig) Logger() (*logrus.Entry, error) {
	level := c.LogLevel
	if level == "" {
		level = "warn"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("asmase: config: log_level: %w", err)
	}
	l := logrus.New()
	l.SetLevel(lvl)
	return logrus.NewEntry(l), nil
}
