package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/relay/internal/route"
)

const EnvPrefix = "RELAY"

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

var absolutePath = regexp.MustCompile(`^/`)

type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	Environment       string        `mapstructure:"environment"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type ProxyConfig struct {
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	AddForwardedHeaders   bool          `mapstructure:"add_forwarded_headers"`
	FlushInterval         time.Duration `mapstructure:"flush_interval"`
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host"`
}

type HealthConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// TargetConfig is an upstream host and port.
type TargetConfig struct {
	Host string `mapstructure:"target_host"`
	Port int    `mapstructure:"target_port"`
}

type RouteConfig struct {
	Prefix       string `mapstructure:"prefix"`
	TargetConfig `mapstructure:",squash"`
	// StripPrefix defaults to true when unset.
	StripPrefix *bool  `mapstructure:"strip_prefix"`
	Rewrite     string `mapstructure:"rewrite"`
}

// ListenerConfig forwards everything received on Address to one target.
type ListenerConfig struct {
	Address      string `mapstructure:"address"`
	TargetConfig `mapstructure:",squash"`
}

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Proxy          ProxyConfig          `mapstructure:"proxy"`
	Health         HealthConfig         `mapstructure:"health"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Routes         []RouteConfig        `mapstructure:"routes"`
	DefaultRoute   TargetConfig         `mapstructure:"default_route"`
	Listeners      []ListenerConfig     `mapstructure:"listeners"`
}

// LoadOptions says where Load looks besides the environment.
type LoadOptions struct {
	// ConfigFile overrides the search for config.yaml in ./config and ".".
	ConfigFile string
	// Flags, when set, may carry "config", "address" and "log-level".
	Flags *pflag.FlagSet
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)
	v.SetDefault("proxy.connect_timeout", "5s")
	v.SetDefault("proxy.idle_timeout", "60s")
	v.SetDefault("proxy.response_header_timeout", "30s")
	v.SetDefault("proxy.add_forwarded_headers", false)
	v.SetDefault("proxy.flush_interval", "0s")
	v.SetDefault("proxy.max_idle_conns_per_host", 32)
	v.SetDefault("health.path", "/health")
	v.SetDefault("health.interval", "10s")
	v.SetDefault("health.timeout", "2s")
	v.SetDefault("circuit_breaker.enabled", false)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.reset_timeout", "30s")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.buffer_size", 1000)
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults are only seen by Unmarshal when bound.
	for _, key := range []string{"routes", "default_route", "listeners"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}
	if err := v.BindEnv("server.address", EnvPrefix+"_SERVER_ADDRESS", "PORT"); err != nil {
		return nil, err
	}

	configFile := opts.ConfigFile
	if opts.Flags != nil {
		if err := bindFlags(v, opts.Flags); err != nil {
			return nil, err
		}
		if f := opts.Flags.Lookup("config"); f != nil && f.Changed {
			configFile = f.Value.String()
		}
	}

	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}
	cfg.Server.Address = normalizeAddress(cfg.Server.Address)
	for i := range cfg.Listeners {
		cfg.Listeners[i].Address = normalizeAddress(cfg.Listeners[i].Address)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := map[string]string{
		"server.address": "address",
		"logging.level":  "log-level",
	}
	for key, name := range bindings {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToRoutesHook(),
	)
}

// normalizeAddress turns a bare port, as PORT usually carries, into ":port".
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return addr
	}
	if _, err := strconv.Atoi(addr); err == nil {
		return ":" + addr
	}
	return addr
}

// Target converts the config into a route target.
func (t TargetConfig) Target() route.Target {
	return route.Target{Host: t.Host, Port: t.Port}
}

func (t TargetConfig) IsZero() bool {
	return t.Host == "" && t.Port == 0
}

func (t TargetConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Host, validation.Required, is.Host),
		validation.Field(&t.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// Route converts the config into a route, applying the strip default.
func (r RouteConfig) Route() route.Route {
	strip := true
	if r.StripPrefix != nil {
		strip = *r.StripPrefix
	}
	return route.Route{
		Prefix:      route.NormalizePrefix(r.Prefix),
		Target:      r.Target(),
		StripPrefix: strip,
		Rewrite:     r.Rewrite,
	}
}

func (r RouteConfig) Validate() error {
	if err := validation.ValidateStruct(&r,
		validation.Field(&r.Prefix, validation.Required, validation.Match(absolutePath).Error("must start with /")),
		validation.Field(&r.Rewrite, validation.Match(absolutePath).Error("must start with /")),
	); err != nil {
		return err
	}
	return r.TargetConfig.Validate()
}

func (l ListenerConfig) Validate() error {
	if err := validation.ValidateStruct(&l,
		validation.Field(&l.Address, validation.Required, validation.By(validateHostPort)),
	); err != nil {
		return err
	}
	return l.TargetConfig.Validate()
}

// RouteTable builds the table served on the main address.
func (c *Config) RouteTable() (*route.Table, error) {
	routes := make([]route.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		routes = append(routes, rc.Route())
	}

	var fallback *route.Route
	if !c.DefaultRoute.IsZero() {
		fallback = &route.Route{Target: c.DefaultRoute.Target()}
	}

	return route.NewTable(routes, fallback)
}

// Table builds the table for a listener: every path goes to its target
// unchanged.
func (l ListenerConfig) Table() (*route.Table, error) {
	return route.NewTable(nil, &route.Route{Target: l.Target()})
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server, validation.By(func(value interface{}) error {
			sc, ok := value.(ServerConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ServerConfig")
			}
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Environment,
					validation.Required,
					validation.In(EnvDev, EnvStaging, EnvProd),
				),
				validation.Field(&sc.Address,
					validation.Required,
					validation.By(validateHostPort),
				),
				validation.Field(&sc.ReadHeaderTimeout, validation.Min(time.Duration(0))),
				validation.Field(&sc.IdleTimeout, validation.Min(time.Duration(0))),
				validation.Field(&sc.ShutdownTimeout, validation.Min(time.Duration(0))),
			)
		})),
		validation.Field(&c.Logging, validation.By(func(value interface{}) error {
			lc, ok := value.(LoggingConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
			}
			return validation.ValidateStruct(&lc,
				validation.Field(&lc.Level,
					validation.Required,
					validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
				),
			)
		})),
		validation.Field(&c.Proxy, validation.By(func(value interface{}) error {
			pc, ok := value.(ProxyConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ProxyConfig")
			}
			return validation.ValidateStruct(&pc,
				validation.Field(&pc.ConnectTimeout, validation.Required, validation.Min(time.Duration(0))),
				validation.Field(&pc.IdleTimeout, validation.Min(time.Duration(0))),
				validation.Field(&pc.ResponseHeaderTimeout, validation.Min(time.Duration(0))),
				validation.Field(&pc.MaxIdleConnsPerHost, validation.Min(0)),
			)
		})),
		validation.Field(&c.Health, validation.By(func(value interface{}) error {
			hc, ok := value.(HealthConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a HealthConfig")
			}
			return validation.ValidateStruct(&hc,
				validation.Field(&hc.Path,
					validation.Required,
					validation.Match(absolutePath).Error("must start with /"),
				),
				validation.Field(&hc.Interval, validation.Required, validation.Min(time.Duration(0))),
				validation.Field(&hc.Timeout, validation.Min(time.Duration(0))),
			)
		})),
		validation.Field(&c.CircuitBreaker, validation.By(func(value interface{}) error {
			cb, ok := value.(CircuitBreakerConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a CircuitBreakerConfig")
			}
			return validation.ValidateStruct(&cb,
				validation.Field(&cb.FailureThreshold, validation.When(cb.Enabled, validation.Required, validation.Min(1))),
				validation.Field(&cb.ResetTimeout, validation.When(cb.Enabled, validation.Required, validation.Min(time.Duration(0)))),
			)
		})),
		validation.Field(&c.Metrics, validation.By(func(value interface{}) error {
			mc, ok := value.(MetricsConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
			}
			return validation.ValidateStruct(&mc,
				validation.Field(&mc.Path, validation.When(mc.Enabled,
					validation.Required,
					validation.Match(absolutePath).Error("must start with /"),
				)),
				validation.Field(&mc.BufferSize, validation.When(mc.Enabled, validation.Required, validation.Min(1))),
			)
		})),
		validation.Field(&c.Routes,
			validation.By(uniquePrefixes),
			validation.When(c.DefaultRoute.IsZero() && len(c.Listeners) == 0,
				validation.Required.Error("at least one route, a default route or a listener is required"),
			),
		),
		validation.Field(&c.DefaultRoute, validation.Skip.When(c.DefaultRoute.IsZero())),
		validation.Field(&c.Listeners,
			validation.By(func(value interface{}) error {
				return uniqueAddresses(c.Server.Address, value)
			}),
		),
	)
}

func uniquePrefixes(value interface{}) error {
	routes, ok := value.([]RouteConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of routes")
	}

	seen := make(map[string]struct{}, len(routes))
	for _, rc := range routes {
		prefix := route.NormalizePrefix(rc.Prefix)
		if _, dup := seen[prefix]; dup {
			return validation.NewError("validation_duplicate_prefix", "duplicate prefix "+prefix)
		}
		seen[prefix] = struct{}{}
	}
	return nil
}

func uniqueAddresses(serverAddr string, value interface{}) error {
	listeners, ok := value.([]ListenerConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of listeners")
	}

	seen := map[string]struct{}{portOf(serverAddr): {}}
	for _, l := range listeners {
		port := portOf(l.Address)
		if _, dup := seen[port]; dup {
			return validation.NewError("validation_duplicate_listener", "port "+port+" is bound more than once")
		}
		seen[port] = struct{}{}
	}
	return nil
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}
	if err := is.Port.Validate(port); err != nil {
		return validation.NewError("validation_invalid_port", "must be a valid port")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}
