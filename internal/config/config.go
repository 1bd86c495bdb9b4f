// Package config provides configuration management for the deployment
// reconciler.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, ROOT_PORT)
// 3. Default values
//
// The resulting Config struct is built once at process start and handed to
// components by reference. Nothing reads configuration ambiently.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	River    RiverConfig    `mapstructure:"river"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
}

// ServerConfig contains HTTP server settings for the ops endpoints.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings. One pgxpool is
// shared by the store and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
	// ReconcileInterval re-enqueues a reconciliation run periodically;
	// zero disables the periodic trigger.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	RuntimePoolSize int `mapstructure:"runtime_pool_size"`
}

// DeployConfig contains the container-runtime side of reconciliation: where
// the manifest template lives, where the rendered manifest goes, and how the
// compose CLI is invoked.
type DeployConfig struct {
	// ComposeBinary is the compose CLI executable.
	ComposeBinary string `mapstructure:"compose_binary"`
	// DockerBinary is the runtime CLI used for port discovery.
	DockerBinary string `mapstructure:"docker_binary"`
	// ComposeTemplatePath is the manifest template source.
	ComposeTemplatePath string `mapstructure:"compose_template_path"`
	// ComposePath is the rendered manifest destination. The base name of
	// its directory becomes the compose project prefix in container names.
	ComposePath string `mapstructure:"compose_path"`
	// UseSudo controls whether runtime and proxy commands run under sudo.
	UseSudo bool `mapstructure:"use_sudo"`
	// OperationTimeout bounds each external command invocation.
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// ComposeProject returns the compose project name derived from the manifest
// location, the component the runtime prefixes container names with.
func (c DeployConfig) ComposeProject() string {
	return filepath.Base(filepath.Dir(c.ComposePath))
}

// ProxyConfig contains the reverse-proxy side of reconciliation.
// RootPort, Hostname and IPAddr honor the ROOT_PORT, HOST_NAME and IP_ADDR
// environment variables.
type ProxyConfig struct {
	// TemplatePath is the proxy config template source.
	TemplatePath string `mapstructure:"template_path"`
	// WorkingPath is where the rendered config is written.
	WorkingPath string `mapstructure:"working_path"`
	// LivePath is the proxy's live config location the working file is
	// copied to (privileged).
	LivePath string `mapstructure:"live_path"`
	// ReloadCommand restarts the host proxy after the copy.
	ReloadCommand []string `mapstructure:"reload_command"`

	StaticRoot string `mapstructure:"static_root"`
	RootPort   int    `mapstructure:"root_port"`
	Hostname   string `mapstructure:"hostname"`
	IPAddr     string `mapstructure:"ip_addr"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/memex-deploy")

	// Environment variable override, no prefix: DATABASE_URL, LOG_LEVEL...
	// Nested keys map with underscores: deploy.compose_path → DEPLOY_COMPOSE_PATH.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Historical override names for the proxy context, kept for operator
	// compatibility: ROOT_PORT, HOST_NAME, IP_ADDR.
	_ = v.BindEnv("proxy.root_port", "ROOT_PORT", "PROXY_ROOT_PORT")
	_ = v.BindEnv("proxy.hostname", "HOST_NAME", "PROXY_HOSTNAME")
	_ = v.BindEnv("proxy.ip_addr", "IP_ADDR", "PROXY_IP_ADDR")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Deploy.ComposePath == "" {
		return fmt.Errorf("deploy.compose_path must not be empty")
	}
	if c.Deploy.ComposeTemplatePath == "" {
		return fmt.Errorf("deploy.compose_template_path must not be empty")
	}
	if c.Proxy.TemplatePath == "" || c.Proxy.WorkingPath == "" || c.Proxy.LivePath == "" {
		return fmt.Errorf("proxy template_path, working_path and live_path must all be set")
	}
	if c.Proxy.RootPort <= 0 || c.Proxy.RootPort > 65535 {
		return fmt.Errorf("proxy.root_port %d out of range", c.Proxy.RootPort)
	}
	if c.Deploy.OperationTimeout <= 0 {
		return fmt.Errorf("deploy.operation_timeout must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database (shared pool)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "memex")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "memex")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")
	v.SetDefault("river.reconcile_interval", "0")

	// Worker pools
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.runtime_pool_size", 50)

	// Deploy
	v.SetDefault("deploy.compose_binary", "docker-compose")
	v.SetDefault("deploy.docker_binary", "docker")
	v.SetDefault("deploy.compose_template_path", "deploy/templates/docker-compose.yml.tmpl")
	v.SetDefault("deploy.compose_path", "deploy/docker-compose.yml")
	v.SetDefault("deploy.use_sudo", true)
	v.SetDefault("deploy.operation_timeout", "5m")

	// Proxy
	v.SetDefault("proxy.template_path", "deploy/templates/nginx-reverse-proxy.conf.tmpl")
	v.SetDefault("proxy.working_path", "deploy/nginx-reverse-proxy.conf")
	v.SetDefault("proxy.live_path", "/etc/nginx/sites-enabled/default")
	v.SetDefault("proxy.reload_command", []string{"service", "nginx", "restart"})
	v.SetDefault("proxy.static_root", "/var/www/static")
	v.SetDefault("proxy.root_port", 8000)
	v.SetDefault("proxy.hostname", "localhost")
	v.SetDefault("proxy.ip_addr", "127.0.0.1")
}
