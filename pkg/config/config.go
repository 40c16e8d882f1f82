// Package config loads vmount's configuration: the instances that may
// receive mounts, the named timeouts, and the daemon log level. The file is
// config.yml in the user's vmount config directory; unknown keys warn rather
// than fail so that configs survive version skew in both directions.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/datawire/dlib/dlog"

	"github.com/vmountio/vmount/pkg/filelocation"
)

const configFile = "config.yml"

type Config struct {
	Instances Instances `json:"instances,omitempty"`
	Timeouts  Timeouts  `json:"timeouts,omitempty"`
	LogLevels LogLevels `json:"logLevels,omitempty"`
}

// merge overlays the non-zero fields of o onto this instance.
func (c *Config) merge(o *Config) {
	if len(o.Instances) > 0 {
		if c.Instances == nil {
			c.Instances = make(Instances, len(o.Instances))
		}
		for n, i := range o.Instances {
			c.Instances[n] = i
		}
	}
	c.Timeouts.merge(&o.Timeouts)
	c.LogLevels.merge(&o.LogLevels)
}

func stringKey(n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", errors.New(atLoc("key is not a string", n))
	}
	return n.Value, nil
}

// mappingNode returns the key/value node pairs of node, or an error when the
// yaml is not a mapping at all.
func mappingNode(node *yaml.Node, what string) ([]*yaml.Node, error) {
	if node.Kind != yaml.MappingNode {
		return nil, errors.New(atLoc(what+" must be a mapping", node))
	}
	return node.Content, nil
}

// unknownKey warns about a config key this version does not know. Unknown
// keys are not errors, a config may be shared with newer versions.
func unknownKey(key string, n *yaml.Node) {
	if parseContext != nil {
		dlog.Warn(parseContext, atLoc(fmt.Sprintf("unknown key %q", key), n))
	}
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	ms, err := mappingNode(node, "config")
	if err != nil {
		return err
	}
	for i := 0; i < len(ms); i += 2 {
		kv, err := stringKey(ms[i])
		if err != nil {
			return err
		}
		switch kv {
		case "instances":
			err = ms[i+1].Decode(&c.Instances)
		case "timeouts":
			err = ms[i+1].Decode(&c.Timeouts)
		case "logLevels":
			err = ms[i+1].Decode(&c.LogLevels)
		default:
			unknownKey(kv, ms[i])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Instance declares how one virtual machine is reached over SSH. The host
// may be an IP address or a name that only resolves once the instance is up.
type Instance struct {
	Host string `json:"host"`
	Port uint16 `json:"port,omitempty"`
	User string `json:"user,omitempty"`
}

type Instances map[string]Instance

const (
	defaultSSHPort = 22
	defaultSSHUser = "ubuntu"
)

// SSHPort returns the configured port, defaulted.
func (i Instance) SSHPort() uint16 {
	if i.Port == 0 {
		return defaultSSHPort
	}
	return i.Port
}

// SSHUser returns the configured username, defaulted.
func (i Instance) SSHUser() string {
	if i.User == "" {
		return defaultSSHUser
	}
	return i.User
}

type Timeouts struct {
	// These all have names starting with "Private" because we "want" them to
	// be unexported in order to force you to use .Get() or .TimeoutContext(),
	// but we don't want them hidden from the JSON/YAML engines.

	// PrivateSSHDial is how long to wait for the SSH connection to an instance.
	PrivateSSHDial time.Duration `json:"sshDial,omitempty"`
	// PrivateMountInstall is how long to wait for mount support to install in an instance.
	PrivateMountInstall time.Duration `json:"mountInstall,omitempty"`
	// PrivateDaemonQuit is how long the daemon gets to wind down its mounts on quit.
	PrivateDaemonQuit time.Duration `json:"daemonQuit,omitempty"`
}

type TimeoutID int

const (
	TimeoutSSHDial TimeoutID = iota
	TimeoutMountInstall
	TimeoutDaemonQuit
)

// Get returns the duration for the given timeout.
func (t Timeouts) Get(id TimeoutID) time.Duration {
	switch id {
	case TimeoutSSHDial:
		return t.PrivateSSHDial
	case TimeoutMountInstall:
		return t.PrivateMountInstall
	case TimeoutDaemonQuit:
		return t.PrivateDaemonQuit
	default:
		panic("should not happen")
	}
}

// TimeoutContext returns a context that expires after the named timeout.
func (t Timeouts) TimeoutContext(ctx context.Context, id TimeoutID) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.Get(id))
}

func (t *Timeouts) UnmarshalYAML(node *yaml.Node) error {
	ms, err := mappingNode(node, "timeouts")
	if err != nil {
		return err
	}
	for i := 0; i < len(ms); i += 2 {
		kv, err := stringKey(ms[i])
		if err != nil {
			return err
		}
		var dp *time.Duration
		switch kv {
		case "sshDial":
			dp = &t.PrivateSSHDial
		case "mountInstall":
			dp = &t.PrivateMountInstall
		case "daemonQuit":
			dp = &t.PrivateDaemonQuit
		default:
			unknownKey(kv, ms[i])
			continue
		}
		v := ms[i+1]
		var vv string
		if err = v.Decode(&vv); err != nil {
			return errors.New(atLoc("timeout must be a duration", v))
		}
		if *dp, err = time.ParseDuration(vv); err != nil {
			return errors.New(atLoc(fmt.Sprintf("%q is not a valid duration", vv), v))
		}
	}
	return nil
}

// merge overlays the non-zero fields of o onto this instance.
func (t *Timeouts) merge(o *Timeouts) {
	if o.PrivateSSHDial != 0 {
		t.PrivateSSHDial = o.PrivateSSHDial
	}
	if o.PrivateMountInstall != 0 {
		t.PrivateMountInstall = o.PrivateMountInstall
	}
	if o.PrivateDaemonQuit != 0 {
		t.PrivateDaemonQuit = o.PrivateDaemonQuit
	}
}

type LogLevels struct {
	Daemon logrus.Level `json:"daemon,omitempty"`
}

// UnmarshalYAML parses the logrus log-levels.
func (ll *LogLevels) UnmarshalYAML(node *yaml.Node) error {
	ms, err := mappingNode(node, "logLevels")
	if err != nil {
		return err
	}
	for i := 0; i < len(ms); i += 2 {
		kv, err := stringKey(ms[i])
		if err != nil {
			return err
		}
		v := ms[i+1]
		switch kv {
		case "daemon":
			level, err := logrus.ParseLevel(v.Value)
			if err != nil {
				return errors.New(atLoc("not a valid log level", v))
			}
			ll.Daemon = level
		default:
			unknownKey(kv, ms[i])
		}
	}
	return nil
}

func (ll *LogLevels) merge(o *LogLevels) {
	if o.Daemon != 0 {
		ll.Daemon = o.Daemon
	}
}

var defaultConfig = Config{
	Timeouts: Timeouts{
		PrivateSSHDial:      20 * time.Second,
		PrivateMountInstall: 2 * time.Minute,
		PrivateDaemonQuit:   10 * time.Second,
	},
	LogLevels: LogLevels{
		Daemon: logrus.InfoLevel,
	},
}

var parseContext context.Context

type parsedFile struct{}

// atLoc prefixes s with where in the config file the offending node sits.
func atLoc(s string, n *yaml.Node) string {
	if parseContext != nil {
		if fileName, ok := parseContext.Value(parsedFile{}).(string); ok {
			return fmt.Sprintf("%s:%d: %s", fileName, n.Line, s)
		}
	}
	return fmt.Sprintf("line %d: %s", n.Line, s)
}

type configKey struct{}

// WithConfig returns a context that carries the given Config.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// GetConfig returns the Config carried by the context, or the defaults when
// none was loaded.
func GetConfig(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey{}).(*Config); ok {
		return cfg
	}
	cfg := defaultConfig // by-value copy
	return &cfg
}

// LoadConfig reads config.yml from the user's vmount config directory,
// merged over the defaults and under the VMOUNT_* environment overrides.
// A missing file is not an error.
func LoadConfig(ctx context.Context) (*Config, error) {
	cfg := defaultConfig // start with a by-value copy of the default

	dir, err := filelocation.AppUserConfigDir(ctx)
	if err != nil {
		return nil, err
	}
	fileName := filepath.Join(dir, configFile)
	bs, err := os.ReadFile(fileName)
	switch {
	case err == nil:
		parseContext = context.WithValue(ctx, parsedFile{}, fileName)
		defer func() {
			parseContext = nil
		}()
		fileConfig := Config{}
		if err = yaml.Unmarshal(bs, &fileConfig); err != nil {
			return nil, err
		}
		cfg.merge(&fileConfig)
	case os.IsNotExist(err):
	default:
		return nil, errors.Wrapf(err, "reading %s", fileName)
	}

	env, err := LoadEnv(ctx)
	if err != nil {
		return nil, err
	}
	if err := env.apply(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
