// Package config merges ncp's configuration surface — CLI flags, NCP_*
// environment variables, and a TOML file — in that precedence order. CLI
// flag *parsing* itself lives in cmd/ncp (cobra); this package only
// merges already-parsed values.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	pkgerrors "github.com/pkg/errors"
)

// Mode selects whether the process runs as a sender/receiver or as a
// relay ("proxy master" + listener).
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeProxy  Mode = "proxy"
)

// Config is the merged configuration surface for one ncp invocation.
type Config struct {
	Host       string   `toml:"host"`
	Port       uint16   `toml:"port"`
	Key        string   `toml:"key"`
	Reserve    bool     `toml:"reserve"`
	Proxy      []string `toml:"proxy"`
	NoProxy    bool     `toml:"no_proxy"`
	Mode       Mode     `toml:"mode"`
	AutoRename bool     `toml:"auto_rename"`

	hostSet bool
	portSet bool
	keySet  bool
	modeSet bool
}

// DefaultPath returns ~/.config/ncp.toml, the on-disk config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "ncp.toml")
	}
	return filepath.Join(home, ".config", "ncp.toml")
}

// FromFile reads and decodes the TOML config file at path. A missing file
// is not an error; it simply yields a zero Config.
func FromFile(path string) (Config, error) {
	var c Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, pkgerrors.Wrap(err, "decode config file "+path)
	}
	return c, nil
}

// FromEnv reads NCP_* environment variables.
func FromEnv() (Config, error) {
	var c Config
	if v, ok := os.LookupEnv("NCP_HOST"); ok {
		if net.ParseIP(v) == nil {
			return Config{}, fmt.Errorf("NCP_HOST: invalid IP %q", v)
		}
		c.Host, c.hostSet = v, true
	}
	if v, ok := os.LookupEnv("NCP_PORT"); ok {
		p, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return Config{}, fmt.Errorf("NCP_PORT: %w", err)
		}
		c.Port, c.portSet = uint16(p), true
	}
	if v, ok := os.LookupEnv("NCP_KEY"); ok {
		c.Key, c.keySet = v, true
	}
	if v, ok := os.LookupEnv("NCP_RESERVE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("NCP_RESERVE: %w", err)
		}
		c.Reserve = b
	}
	if v, ok := os.LookupEnv("NCP_PROXY"); ok && v != "" {
		c.Proxy = strings.Split(v, ":")
	}
	if v, ok := os.LookupEnv("NCP_NO_PROXY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("NCP_NO_PROXY: %w", err)
		}
		c.NoProxy = b
	}
	if v, ok := os.LookupEnv("NCP_MODE"); ok {
		c.Mode, c.modeSet = Mode(v), true
	}
	if v, ok := os.LookupEnv("NCP_AUTO_RENAME"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("NCP_AUTO_RENAME: %w", err)
		}
		c.AutoRename = b
	}
	return c, nil
}

// Merge fills any unset field of c from other, without overwriting a field
// c already has. Returns c for chaining, mirroring Config::merge.
func (c *Config) Merge(other Config) *Config {
	if !c.hostSet && other.Host != "" {
		c.Host, c.hostSet = other.Host, true
	}
	if !c.portSet && other.Port != 0 {
		c.Port, c.portSet = other.Port, true
	}
	if !c.keySet && other.Key != "" {
		c.Key, c.keySet = other.Key, true
	}
	if !c.Reserve {
		c.Reserve = other.Reserve
	}
	if len(c.Proxy) == 0 {
		c.Proxy = other.Proxy
	}
	if !c.NoProxy {
		c.NoProxy = other.NoProxy
	}
	if !c.modeSet && other.Mode != "" {
		c.Mode, c.modeSet = other.Mode, true
	}
	if !c.AutoRename {
		c.AutoRename = other.AutoRename
	}
	return c
}

// New builds the final Config for a run: cli values take precedence,
// falling back first to environment then to the on-disk file.
func New(cli Config, envPath string) (Config, error) {
	if cli.Host != "" {
		cli.hostSet = true
	}
	if cli.Port != 0 {
		cli.portSet = true
	}
	if cli.Key != "" {
		cli.keySet = true
	}
	if cli.Mode != "" {
		cli.modeSet = true
	}

	env, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	cli.Merge(env)

	if envPath == "" {
		envPath = DefaultPath()
	}
	file, err := FromFile(envPath)
	if err != nil {
		return Config{}, err
	}
	cli.Merge(file)

	return cli, nil
}

// Save writes c to ~/.config/ncp.toml if it doesn't already exist.
func Save(c Config) error {
	path := DefaultPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pkgerrors.Wrap(err, "create config directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return pkgerrors.Wrap(err, "create config file")
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	return enc.Encode(c)
}
