package config

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
)

// Env holds the VMOUNT_* environment overrides. They take precedence over
// config.yml so that a single invocation can be redirected without editing
// files.
type Env struct {
	// LogLevel overrides logLevels.daemon.
	LogLevel string `env:"VMOUNT_LOG_LEVEL,default="`
	// Socket overrides the path of the daemon's API socket.
	Socket string `env:"VMOUNT_SOCKET,default="`
	// ServerExecutable overrides where the vmount-server helper is found.
	ServerExecutable string `env:"VMOUNT_SERVER_EXE,default="`
}

// LoadEnv reads the VMOUNT_* environment.
func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}

func (e Env) apply(cfg *Config) error {
	if e.LogLevel != "" {
		level, err := logrus.ParseLevel(e.LogLevel)
		if err != nil {
			return errors.Wrap(err, "VMOUNT_LOG_LEVEL")
		}
		cfg.LogLevels.Daemon = level
	}
	return nil
}
