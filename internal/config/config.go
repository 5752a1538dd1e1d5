// Package config loads the manager configuration from defaults, an optional
// YAML file and NOVASPACE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
	"github.com/vaheed/novaspace/internal/security"
)

const EnvPrefix = "NOVASPACE"

type Config struct {
	HTTP       HTTP       `mapstructure:"http"`
	Auth       Auth       `mapstructure:"auth"`
	Database   Database   `mapstructure:"database"`
	Redis      Redis      `mapstructure:"redis"`
	Cluster    Cluster    `mapstructure:"cluster"`
	Namespaces Namespaces `mapstructure:"namespaces"`
	Roles      Roles      `mapstructure:"roles"`
	Manifests  Manifests  `mapstructure:"manifests"`
	Token      Token      `mapstructure:"token"`
	Lock       Lock       `mapstructure:"lock"`
	Security   Security   `mapstructure:"security"`
	Operator   Operator   `mapstructure:"operator"`
	Tracing    Tracing    `mapstructure:"tracing"`
	Log        Log        `mapstructure:"log"`
}

type HTTP struct {
	Addr      string `mapstructure:"addr"`
	RateLimit int    `mapstructure:"rateLimit"`
}

type Auth struct {
	Required   bool   `mapstructure:"required"`
	SigningKey string `mapstructure:"signingKey"`
}

// Database.URL selects the Postgres store; empty means in-memory.
type Database struct {
	URL string `mapstructure:"url"`
}

// Redis.Addr selects the distributed lock; empty means in-process locking.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Cluster.Server overrides the API server written into generated member
// kubeconfigs; empty means the address the manager itself connects to.
type Cluster struct {
	Name       string `mapstructure:"name"`
	Kubeconfig string `mapstructure:"kubeconfig"`
	Server     string `mapstructure:"server"`
}

// Namespaces.Staging holds the template identities new namespace members are
// copied from.
type Namespaces struct {
	Staging string `mapstructure:"staging"`
}

type Roles struct {
	Member string `mapstructure:"member"`
	Admin  string `mapstructure:"admin"`
}

type Manifests struct {
	Dir string `mapstructure:"dir"`
}

type Token struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type Lock struct {
	Timeout time.Duration `mapstructure:"timeout"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type Security struct {
	MasterKey string `mapstructure:"masterKey"`
}

// Operator configures the role guard controller manager.
type Operator struct {
	MetricsAddr    string `mapstructure:"metricsAddr"`
	ProbeAddr      string `mapstructure:"probeAddr"`
	LeaderElection bool   `mapstructure:"leaderElection"`
}

// Tracing configures the OTLP/HTTP span exporter. An empty endpoint defers
// to OTEL_EXPORTER_OTLP_ENDPOINT.
type Tracing struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
	Environment string  `mapstructure:"environment"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rateLimit", 100)
	v.SetDefault("auth.required", false)
	v.SetDefault("auth.signingKey", "")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cluster.name", "default")
	v.SetDefault("cluster.kubeconfig", "")
	v.SetDefault("cluster.server", "")
	v.SetDefault("namespaces.staging", "novaspace-staging")
	v.SetDefault("roles.member", "novaspace-member-role")
	v.SetDefault("roles.admin", "novaspace-admin-role")
	v.SetDefault("manifests.dir", "")
	v.SetDefault("token.timeout", 30*time.Second)
	v.SetDefault("lock.timeout", 30*time.Second)
	v.SetDefault("lock.ttl", 2*time.Minute)
	v.SetDefault("security.masterKey", "")
	v.SetDefault("operator.metricsAddr", ":8081")
	v.SetDefault("operator.probeAddr", ":8082")
	v.SetDefault("operator.leaderElection", true)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sampleRatio", 1.0)
	v.SetDefault("tracing.environment", "")
	v.SetDefault("log.level", "info")
}

// Load reads the configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func Validate(c *Config) error {
	return validation.ValidateStruct(c,
		nestedFields(&c.HTTP,
			validation.Field(&c.HTTP.Addr, validation.Required),
			validation.Field(&c.HTTP.RateLimit, validation.Min(0)),
		),
		nestedFields(&c.Auth,
			validation.Field(&c.Auth.SigningKey, validation.When(c.Auth.Required, validation.Required.Error("is required when auth is enabled"))),
		),
		nestedFields(&c.Cluster,
			validation.Field(&c.Cluster.Name, validation.Required),
		),
		nestedFields(&c.Namespaces,
			validation.Field(&c.Namespaces.Staging, validation.Required),
		),
		nestedFields(&c.Roles,
			validation.Field(&c.Roles.Member, validation.Required),
			validation.Field(&c.Roles.Admin, validation.Required, validation.NotIn(c.Roles.Member).Error("must differ from the member role")),
		),
		nestedFields(&c.Token,
			validation.Field(&c.Token.Timeout, validation.Required),
		),
		nestedFields(&c.Lock,
			validation.Field(&c.Lock.Timeout, validation.Required),
			validation.Field(&c.Lock.TTL, validation.Required),
		),
		nestedFields(&c.Security,
			validation.Field(&c.Security.MasterKey, validation.By(validateMasterKey)),
		),
		nestedFields(&c.Tracing,
			validation.Field(&c.Tracing.SampleRatio, validation.Min(0.0), validation.Max(1.0)),
			validation.Field(&c.Tracing.Endpoint, validation.By(validateEndpoint)),
		),
		nestedFields(&c.Log,
			validation.Field(&c.Log.Level, validation.In("debug", "info", "warn", "error")),
		),
	)
}

func validateMasterKey(value interface{}) error {
	key, ok := value.(string)
	if !ok {
		return errors.New("must be a string")
	}
	if key == "" {
		return nil
	}
	_, err := security.ParseKey(key)
	return err
}

// validateEndpoint accepts host:port or a URL with a host.
func validateEndpoint(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		return errors.New("must be a string")
	}
	if !strings.Contains(raw, "://") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return errors.New("must include a host")
	}
	return nil
}

func nestedFields(target interface{}, fieldRules ...*validation.FieldRules) *validation.FieldRules {
	return validation.Field(target, validation.By(func(value interface{}) error {
		return validation.ValidateStruct(target, fieldRules...)
	}))
}
