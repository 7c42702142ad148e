package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
	"github.com/ryandielhenn/zephyrgossip/pkg/node"
)

// Config holds everything cmd/server needs to boot a node.
type Config struct {
	// SelfAddr is this node's gossip address, "ip:port".
	SelfAddr string `yaml:"self_addr" validate:"required,hostname_port"`
	// IntroducerAddr is the well-known bootstrap node. Empty means look it
	// up in etcd, or found the group when etcd is not configured either.
	IntroducerAddr string `yaml:"introducer_addr" validate:"omitempty,hostname_port"`
	HTTPAddr       string `yaml:"http_addr" validate:"required"`

	EtcdEndpoints []string      `yaml:"etcd_endpoints" validate:"dive,required"`
	EtcdLeaseTTL  int64         `yaml:"etcd_lease_ttl" validate:"gt=0"`
	TickInterval  time.Duration `yaml:"tick_interval" validate:"gt=0"`
	LogLevel      string        `yaml:"log_level" validate:"oneof=debug info warn error"`

	TFail           int64 `yaml:"tfail" validate:"gt=0"`
	TRemove         int64 `yaml:"tremove" validate:"gte=0"`
	Fanout          int   `yaml:"gossip_fanout" validate:"gte=1"`
	JoinRetryTicks  int64 `yaml:"join_retry_ticks" validate:"gt=0"`
	JoinMaxAttempts int   `yaml:"join_max_attempts" validate:"gte=0"`
	EagerJoin       bool  `yaml:"eager_join"`
}

var validate = validator.New()

// Default returns a config with the protocol defaults and a one second tick.
func Default() Config {
	p := gossip.DefaultConfig()
	return Config{
		HTTPAddr:        ":8080",
		EtcdLeaseTTL:    10,
		TickInterval:    time.Second,
		LogLevel:        "info",
		TFail:           p.TFail,
		TRemove:         p.TRemove,
		Fanout:          p.Fanout,
		JoinRetryTicks:  p.JoinRetryTicks,
		JoinMaxAttempts: p.JoinMaxAttempts,
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags and the protocol-level constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return c.Protocol().Validate()
}

// Protocol extracts the engine configuration.
func (c *Config) Protocol() gossip.Config {
	return gossip.Config{
		TFail:           c.TFail,
		TRemove:         c.TRemove,
		Fanout:          c.Fanout,
		JoinRetryTicks:  c.JoinRetryTicks,
		JoinMaxAttempts: c.JoinMaxAttempts,
		EagerJoin:       c.EagerJoin,
	}
}

// DefaultGossipPort is used when an address is given without a port.
const DefaultGossipPort = "7946"

// Self resolves SelfAddr, looking up host names.
func (c *Config) Self() (gossip.Address, error) {
	a, err := node.ResolveAddress(c.SelfAddr, DefaultGossipPort)
	if err != nil {
		return gossip.NullAddress, fmt.Errorf("self address: %w", err)
	}
	return a, nil
}

// Introducer resolves IntroducerAddr. ok is false when none is configured.
func (c *Config) Introducer() (a gossip.Address, ok bool, err error) {
	if c.IntroducerAddr == "" {
		return gossip.NullAddress, false, nil
	}
	a, err = node.ResolveAddress(c.IntroducerAddr, DefaultGossipPort)
	if err != nil {
		return gossip.NullAddress, false, fmt.Errorf("introducer address: %w", err)
	}
	return a, true, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"SELF_ADDR":       &c.SelfAddr,
		"INTRODUCER_ADDR": &c.IntroducerAddr,
		"HTTP_ADDR":       &c.HTTPAddr,
		"LOG_LEVEL":       &c.LogLevel,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("ETCD_ENDPOINTS"); ok {
		c.EtcdEndpoints = splitCSV(v)
	}
	if v, ok := lookup("TICK_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TICK_INTERVAL: %w", err)
		}
		c.TickInterval = d
	}

	ints := map[string]*int64{
		"TFAIL":            &c.TFail,
		"TREMOVE":          &c.TRemove,
		"JOIN_RETRY_TICKS": &c.JoinRetryTicks,
		"ETCD_LEASE_TTL":   &c.EtcdLeaseTTL,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	if v, ok := lookup("GOSSIP_FANOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GOSSIP_FANOUT: %w", err)
		}
		c.Fanout = n
	}
	if v, ok := lookup("JOIN_MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JOIN_MAX_ATTEMPTS: %w", err)
		}
		c.JoinMaxAttempts = n
	}
	if v, ok := lookup("EAGER_JOIN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EAGER_JOIN: %w", err)
		}
		c.EagerJoin = b
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
