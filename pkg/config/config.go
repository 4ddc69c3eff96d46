// Package config loads the small set of process-wide tunables this
// module exposes: diagnostic log level and write-flush timeout. The
// protocol constants in spec §6 (WindowSize, MinDelayed, the
// ack-forward threshold) are not here — they are fixed by the Secure
// Chat wire protocol, not by deployment, and live in pkg/lastseen and
// pkg/chatstate instead.
package config

import (
	"context"
	"os"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Env is the environment-sourced configuration, loaded the way the
// teacher's manager/envconfig.go loads its own Env.
type Env struct {
	LogLevel string `env:"MC_CHAT_LOG_LEVEL,default=info"`

	// WriteFlushTimeoutMS is loaded from the environment but not
	// consulted by chatqueue: a Queue's write step waits for
	// ServerLink.Write with no timeout and logs no slow-link warning.
	WriteFlushTimeoutMS int `env:"MC_CHAT_WRITE_FLUSH_TIMEOUT_MS,default=5000"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	if err := envconfig.Process(ctx, &env); err != nil {
		return Env{}, err
	}
	return env, nil
}

// File is the optional on-disk overlay for the demo command, mirroring
// the teacher's YAML config file convention (pkg/client/config.go).
type File struct {
	LogLevel string `yaml:"logLevel,omitempty"`
}

// LoadFile reads a File from path. A missing file is not an error: it
// returns the zero File, same as the teacher's config loader treating
// "no config.yml" as "use defaults."
func LoadFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, nil
		}
		return File{}, err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, err
	}
	return f, nil
}

// Merge overlays non-empty fields of f onto e, so a value set in the
// file takes precedence over the environment's.
func (e Env) Merge(f File) Env {
	if f.LogLevel != "" {
		e.LogLevel = f.LogLevel
	}
	return e
}
