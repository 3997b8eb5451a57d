// Package config provides configuration management for lancache-opsd using
// Viper. It supports configuration from files, environment variables, and
// defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort             = 8080
	defaultServerTimeout          = 30 * time.Second
	defaultShutdownTimeout        = 10 * time.Second
	defaultMaxOpenConns           = 25
	defaultMaxIdleConns           = 10
	defaultConnMaxIdleTime        = 30 * time.Minute
	defaultOperationGraceWindow   = 12 * time.Second
	defaultOperationStateCutoff   = 5 * time.Minute
	defaultDatasourceReprobe      = 30 * time.Second
	defaultLogMonitorInterval     = 1 * time.Second
	defaultLogGrowthThreshold     = 10 * 1024 // bytes
	defaultLogMonitorBackoffCap   = 60 * time.Second
	defaultDepotBackfillInterval  = 30 * time.Second
	defaultDepotBackfillSlowAfter = 5
	defaultDepotBackfillSlow      = 5 * time.Minute
	defaultPrefillSessionTimeout  = 120 * time.Minute
	defaultPrefillLoginTimeout    = 60 * time.Second
	defaultPrefillPollTimeout     = 10 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Ops          OpsConfig          `mapstructure:"ops"`
	Datasources  []DatasourceConfig `mapstructure:"datasources"`
	NativeWorker NativeWorkerConfig `mapstructure:"native_worker"`
	Prefill      PrefillConfig      `mapstructure:"prefill"`
}

// ServerConfig holds the out-of-core HTTP/SSE surface configuration (§6).
// Handlers themselves are a Non-goal; this only configures the listener
// that a thin illustrative wiring in cmd/lancache-opsd binds to.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// OpsConfig holds the operation/orchestration plane's own ambient settings:
// where durable state lives on disk, and the timing constants from spec.md
// §3/§4.C (operation grace window, stale-state cutoff).
type OpsConfig struct {
	// DataDir is the root directory for persisted application state
	// (database file, when Driver=sqlite and DSN is a relative path).
	DataDir string `mapstructure:"data_dir"`
	// OperationsDir holds the JSON state-store records and the ephemeral
	// per-operation progress/output files native workers write.
	OperationsDir string `mapstructure:"operations_dir"`
	// OperationGraceWindow is how long a terminal Operation remains
	// reachable by id after its terminal transition (spec.md §3: ~10-15s).
	OperationGraceWindow time.Duration `mapstructure:"operation_grace_window"`
	// OperationStateCutoff is the age beyond which a persisted "running"
	// OperationState record is reinterpreted as interrupted on startup
	// (spec.md §4.C: default 5 minutes).
	OperationStateCutoff time.Duration `mapstructure:"operation_state_cutoff"`
	// DatasourceReprobeInterval is how often the Datasource Registry
	// rechecks (cache, log) directory writability (spec.md §4.B: ~30s).
	DatasourceReprobeInterval time.Duration `mapstructure:"datasource_reprobe_interval"`
	// LogMonitor holds the Live Log Monitor's timing/threshold defaults
	// (spec.md §4.K).
	LogMonitor LogMonitorConfig `mapstructure:"log_monitor"`
}

// LogMonitorConfig holds the Live Log Monitor's tick cadence, growth
// threshold, and permission-error backoff cap (spec.md §4.K).
type LogMonitorConfig struct {
	// Interval is the monitor's tick cadence (spec.md §4.K: ~1s).
	Interval time.Duration `mapstructure:"interval"`
	// GrowthThresholdBytes is the minimum access.log growth since the
	// last check before a tick does any work (spec.md §4.K: ~10KB).
	GrowthThresholdBytes int64 `mapstructure:"growth_threshold_bytes"`
	// PermissionErrorBackoffCap bounds the exponential backoff applied
	// after consecutive permission errors (spec.md §4.K: min(2^(n-1), 60s)).
	PermissionErrorBackoffCap time.Duration `mapstructure:"permission_error_backoff_cap"`
}

// DatasourceConfig describes one configured lancache instance this server
// operates on (spec.md §3 Datasource, §4.B Datasource Registry).
type DatasourceConfig struct {
	Name    string `mapstructure:"name"`
	Enabled bool   `mapstructure:"enabled"`
	// CachePath is the root of this datasource's on-disk cache.
	CachePath string `mapstructure:"cache_path"`
	// LogPath is the directory containing this datasource's access.log.
	LogPath string `mapstructure:"log_path"`
	// Default marks the datasource returned by GetDefaultDatasource().
	Default bool `mapstructure:"default"`
}

// NativeWorkerConfig holds the Native Worker Supervisor's binary
// resolution settings (spec.md §4.A/§4.E).
type NativeWorkerConfig struct {
	// BinaryDir is the directory containing the helper executables.
	// Empty means resolve relative to the running executable.
	BinaryDir string `mapstructure:"binary_dir"`
	// PollInterval is the cadence at which the supervisor polls a
	// worker's progress file (spec.md §4.E: "at least every ~500ms").
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Binaries names the individual helper executables, overridable for
	// platforms that ship them under different names.
	Binaries NativeWorkerBinaries `mapstructure:"binaries"`
}

// NativeWorkerBinaries names the helper executables from spec.md §6.
type NativeWorkerBinaries struct {
	LogManager        string `mapstructure:"log_manager"`
	LogProcessor      string `mapstructure:"log_processor"`
	CorruptionManager string `mapstructure:"corruption_manager"`
	CacheCleaner      string `mapstructure:"cache_cleaner"`
	GameCacheDetector string `mapstructure:"game_cache_detector"`
	GameCacheRemover  string `mapstructure:"game_cache_remover"`
	ServiceRemover    string `mapstructure:"service_remover"`
}

// PrefillConfig holds every `Prefill:*` key from spec.md §6, covering the
// Prefill Session Manager's container engine and transport configuration.
type PrefillConfig struct {
	// DaemonBasePath is the session-root directory under which each
	// session's command/response directories are materialized.
	DaemonBasePath string `mapstructure:"daemon_base_path"`
	// UseTcp forces loopback TCP transport instead of a Unix domain
	// socket (always true on Windows hosts).
	UseTcp bool `mapstructure:"use_tcp"`
	// TcpPort is the in-container port the daemon listens on when TCP
	// transport is selected.
	TcpPort int `mapstructure:"tcp_port"`
	// HostTcpPort is the preferred host-side ephemeral port to forward;
	// 0 selects any free port.
	HostTcpPort int `mapstructure:"host_tcp_port"`
	// TcpHost is the loopback host/IP the manager dials.
	TcpHost string `mapstructure:"tcp_host"`
	// HostDataPath is the host filesystem path to translate bind mounts
	// against when this process itself runs inside a container.
	HostDataPath string `mapstructure:"host_data_path"`
	// NetworkMode overrides the network strategy (spec.md §4.M step 4);
	// empty means auto-detect from the lancache-DNS container.
	NetworkMode string `mapstructure:"network_mode"`
	// LancacheDnsIp overrides DNS-server injection; empty means resolve
	// the lancache-DNS container's own-network IP.
	LancacheDnsIp string `mapstructure:"lancache_dns_ip"`
	// DockerImage is the prefill worker container image for Steam.
	DockerImage string `mapstructure:"docker_image"`
	// EpicDockerImage is the prefill worker container image for Epic.
	EpicDockerImage string `mapstructure:"epic_docker_image"`
	// SessionTimeoutMinutes is how long a session lives before expiry
	// (spec.md §5: default 120 minutes).
	SessionTimeoutMinutes int `mapstructure:"session_timeout_minutes"`
	// DiagnosticsProbeURL is the in-container HTTPS GET target used to
	// confirm storefront CDN reachability (spec.md §4.N).
	DiagnosticsProbeURL string `mapstructure:"diagnostics_probe_url"`
	// DiagnosticsDomains are resolved in-container via nslookup/getent/
	// ping fallbacks to confirm lancache DNS interception (spec.md §4.N).
	DiagnosticsDomains []string `mapstructure:"diagnostics_domains"`
}

// SessionTimeout returns the configured session timeout as a Duration.
func (p PrefillConfig) SessionTimeout() time.Duration {
	if p.SessionTimeoutMinutes <= 0 {
		return defaultPrefillSessionTimeout
	}
	return time.Duration(p.SessionTimeoutMinutes) * time.Minute
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with LANCACHE_OPSD_ and use
// underscores for nesting. Example: LANCACHE_OPSD_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/lancache-opsd")
		v.AddConfigPath("$HOME/.lancache-opsd")
	}

	v.SetEnvPrefix("LANCACHE_OPSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "lancache-opsd.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Ops defaults
	v.SetDefault("ops.data_dir", "./data")
	v.SetDefault("ops.operations_dir", "./data/operations")
	v.SetDefault("ops.operation_grace_window", defaultOperationGraceWindow)
	v.SetDefault("ops.operation_state_cutoff", defaultOperationStateCutoff)
	v.SetDefault("ops.datasource_reprobe_interval", defaultDatasourceReprobe)
	v.SetDefault("ops.log_monitor.interval", defaultLogMonitorInterval)
	v.SetDefault("ops.log_monitor.growth_threshold_bytes", defaultLogGrowthThreshold)
	v.SetDefault("ops.log_monitor.permission_error_backoff_cap", defaultLogMonitorBackoffCap)

	// Native worker defaults
	v.SetDefault("native_worker.binary_dir", "")
	v.SetDefault("native_worker.poll_interval", 500*time.Millisecond)
	v.SetDefault("native_worker.binaries.log_manager", "log-manager")
	v.SetDefault("native_worker.binaries.log_processor", "log-processor")
	v.SetDefault("native_worker.binaries.corruption_manager", "corruption-manager")
	v.SetDefault("native_worker.binaries.cache_cleaner", "cache-cleaner")
	v.SetDefault("native_worker.binaries.game_cache_detector", "game-cache-detector")
	v.SetDefault("native_worker.binaries.game_cache_remover", "game-cache-remover")
	v.SetDefault("native_worker.binaries.service_remover", "service-remover")

	// Prefill defaults
	v.SetDefault("prefill.daemon_base_path", "./data/prefill-sessions")
	v.SetDefault("prefill.use_tcp", false)
	v.SetDefault("prefill.tcp_port", 9090)
	v.SetDefault("prefill.host_tcp_port", 0)
	v.SetDefault("prefill.tcp_host", "127.0.0.1")
	v.SetDefault("prefill.host_data_path", "")
	v.SetDefault("prefill.network_mode", "")
	v.SetDefault("prefill.lancache_dns_ip", "")
	v.SetDefault("prefill.docker_image", "lancachenet/monolithic-prefill:latest")
	v.SetDefault("prefill.epic_docker_image", "lancachenet/epicgames-prefill:latest")
	v.SetDefault("prefill.session_timeout_minutes", 120)
	v.SetDefault("prefill.diagnostics_probe_url", "https://steampowered.com")
	v.SetDefault("prefill.diagnostics_domains", []string{"steampowered.com", "steamcontent.com"})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Ops.DataDir == "" {
		return fmt.Errorf("ops.data_dir is required")
	}
	if c.Ops.OperationsDir == "" {
		return fmt.Errorf("ops.operations_dir is required")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	seen := make(map[string]bool, len(c.Datasources))
	for _, ds := range c.Datasources {
		if ds.Name == "" {
			return fmt.Errorf("datasources: name is required")
		}
		if seen[ds.Name] {
			return fmt.Errorf("datasources: duplicate name %q", ds.Name)
		}
		seen[ds.Name] = true
		if ds.CachePath == "" {
			return fmt.Errorf("datasources[%s]: cache_path is required", ds.Name)
		}
		if ds.LogPath == "" {
			return fmt.Errorf("datasources[%s]: log_path is required", ds.Name)
		}
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
