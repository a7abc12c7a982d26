package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full backup configuration loaded from an optional YAML file
// and SITEBACKUP_* environment variables.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Tenant   TenantConfig   `mapstructure:"tenant"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Lease    LeaseConfig    `mapstructure:"lease"`
	Backup   BackupConfig   `mapstructure:"backup"`
	S3       S3Config       `mapstructure:"s3"`
	Temporal TemporalConfig `mapstructure:"temporal"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

type AppConfig struct {
	Name       string         `mapstructure:"name"`
	Env        string         `mapstructure:"env"` // development | production
	LogLevel   string         `mapstructure:"log_level"`
	Title      string         `mapstructure:"title"`
	Version    string         `mapstructure:"version"`
	GitVersion string         `mapstructure:"git_version"`
	GitBranch  string         `mapstructure:"git_branch"`
	BaseURL    string         `mapstructure:"base_url"`
	CDNURL     string         `mapstructure:"cdn_url"`
	Multisite  bool           `mapstructure:"multisite"`
	Plugins    []PluginConfig `mapstructure:"plugins"`
}

// PluginConfig describes an installed add-on recorded in the backup metadata.
type PluginConfig struct {
	Name             string `mapstructure:"name"`
	Enabled          bool   `mapstructure:"enabled"`
	MigrationVersion int64  `mapstructure:"migration_version"`
	GitVersion       string `mapstructure:"git_version"`
}

type TenantConfig struct {
	ID string `mapstructure:"id"`
}

type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Name        string `mapstructure:"name"`
	Schema      string `mapstructure:"schema"`
	VerboseDump bool   `mapstructure:"verbose_dump"`
}

type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	TLS           bool   `mapstructure:"tls"`
	TLSCert       string `mapstructure:"tls_cert"`
	TLSKey        string `mapstructure:"tls_key"`
	TLSCACert     string `mapstructure:"tls_ca_cert"`
	TLSServerName string `mapstructure:"tls_server_name"`
}

type LeaseConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	AbortPollInterval time.Duration `mapstructure:"abort_poll_interval"`
}

type BackupConfig struct {
	LocalDir               string `mapstructure:"local_dir"`
	TmpDir                 string `mapstructure:"tmp_dir"`
	LogDir                 string `mapstructure:"log_dir"`
	MaxBackups             int    `mapstructure:"max_backups"`
	WithUploads            bool   `mapstructure:"with_uploads"`
	IncludeS3Uploads       bool   `mapstructure:"include_s3_uploads"`
	IncludeOptimizedImages bool   `mapstructure:"include_optimized_images"`
	UploadsDir             string `mapstructure:"uploads_dir"`
	GzipLevel              int    `mapstructure:"gzip_level"`
	// Location is "local" or "s3".
	Location string `mapstructure:"location"`
}

// S3Config holds credentials for an S3-compatible provider. Uploads and
// backups may live in different buckets.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UploadsBucket   string `mapstructure:"uploads_bucket"`
	UploadsEnabled  bool   `mapstructure:"uploads_enabled"`
	BackupsBucket   string `mapstructure:"backups_bucket"`
	Prefix          string `mapstructure:"prefix"`
	BaseURL         string `mapstructure:"base_url"`
	CDNURL          string `mapstructure:"cdn_url"`
}

type TemporalConfig struct {
	Address       string `mapstructure:"address"`
	TaskQueue     string `mapstructure:"task_queue"`
	TLSCert       string `mapstructure:"tls_cert"`
	TLSKey        string `mapstructure:"tls_key"`
	TLSCACert     string `mapstructure:"tls_ca_cert"`
	TLSServerName string `mapstructure:"tls_server_name"`
}

type HTTPConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	// APIKey protects /api/v1. Empty disables authentication.
	APIKey string `mapstructure:"api_key"`
}

// Load reads configuration from the given file (if non-empty), the default
// config locations and the environment.
// Environment variable prefix: SITEBACKUP_
// Example: SITEBACKUP_REDIS_ADDR=localhost:6379.
func Load(path string) (*Config, error) {
	v := viper.New()

	// ---------- defaults ----------
	v.SetDefault("app.name", "sitebackup")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.title", "")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.git_version", "")
	v.SetDefault("app.git_branch", "")
	v.SetDefault("app.base_url", "")
	v.SetDefault("app.cdn_url", "")
	v.SetDefault("app.multisite", false)

	v.SetDefault("tenant.id", "default")

	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.verbose_dump", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.tls_cert", "")
	v.SetDefault("redis.tls_key", "")
	v.SetDefault("redis.tls_ca_cert", "")
	v.SetDefault("redis.tls_server_name", "")

	v.SetDefault("lease.ttl", "60s")
	v.SetDefault("lease.abort_poll_interval", "100ms")

	v.SetDefault("backup.local_dir", "/var/backups/sitebackup")
	v.SetDefault("backup.tmp_dir", "/var/tmp/sitebackup")
	v.SetDefault("backup.log_dir", "/var/log/sitebackup")
	v.SetDefault("backup.max_backups", 5)
	v.SetDefault("backup.with_uploads", true)
	v.SetDefault("backup.include_s3_uploads", false)
	v.SetDefault("backup.include_optimized_images", true)
	v.SetDefault("backup.uploads_dir", "/var/www/uploads")
	v.SetDefault("backup.gzip_level", 6)
	v.SetDefault("backup.location", "local")

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.uploads_bucket", "")
	v.SetDefault("s3.uploads_enabled", false)
	v.SetDefault("s3.backups_bucket", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.base_url", "")
	v.SetDefault("s3.cdn_url", "")

	v.SetDefault("temporal.address", "localhost:7233")
	v.SetDefault("temporal.task_queue", "sitebackup-tasks")
	v.SetDefault("temporal.tls_cert", "")
	v.SetDefault("temporal.tls_key", "")
	v.SetDefault("temporal.tls_ca_cert", "")
	v.SetDefault("temporal.tls_server_name", "")

	v.SetDefault("http.listen_addr", ":8090")
	v.SetDefault("http.metrics_addr", ":9090")
	v.SetDefault("http.api_key", "")

	// ---------- config file (optional) ----------
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("backup")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sitebackup")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	// ---------- env vars ----------
	v.SetEnvPrefix("SITEBACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the settings required by the given role are present.
// Roles: "run" (a foreground backup), "worker" (Temporal worker), "serve"
// (HTTP API), "control" (abort and status) and "migrate".
func (c *Config) Validate(role string) error {
	var missing []string

	require := func(value, name string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	switch role {
	case "run", "worker":
		require(c.Database.URL, "SITEBACKUP_DATABASE_URL")
		require(c.Database.Name, "SITEBACKUP_DATABASE_NAME")
		require(c.Redis.Addr, "SITEBACKUP_REDIS_ADDR")
		require(c.Tenant.ID, "SITEBACKUP_TENANT_ID")
		require(c.Backup.LocalDir, "SITEBACKUP_BACKUP_LOCAL_DIR")
		require(c.Backup.TmpDir, "SITEBACKUP_BACKUP_TMP_DIR")
		if role == "worker" {
			require(c.Temporal.Address, "SITEBACKUP_TEMPORAL_ADDRESS")
		}
		if c.Backup.Location == "s3" {
			require(c.S3.BackupsBucket, "SITEBACKUP_S3_BACKUPS_BUCKET")
		}
	case "serve":
		require(c.Database.URL, "SITEBACKUP_DATABASE_URL")
		require(c.Redis.Addr, "SITEBACKUP_REDIS_ADDR")
		require(c.Temporal.Address, "SITEBACKUP_TEMPORAL_ADDRESS")
		require(c.HTTP.ListenAddr, "SITEBACKUP_HTTP_LISTEN_ADDR")
	case "control":
		require(c.Redis.Addr, "SITEBACKUP_REDIS_ADDR")
		require(c.Tenant.ID, "SITEBACKUP_TENANT_ID")
	case "migrate":
		require(c.Database.URL, "SITEBACKUP_DATABASE_URL")
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.Backup.Location {
	case "local", "s3":
	default:
		return fmt.Errorf("invalid backup location %q: must be local or s3", c.Backup.Location)
	}

	if (c.Temporal.TLSCert == "") != (c.Temporal.TLSKey == "") {
		return fmt.Errorf("SITEBACKUP_TEMPORAL_TLS_CERT and SITEBACKUP_TEMPORAL_TLS_KEY must both be set")
	}
	if (c.Redis.TLSCert == "") != (c.Redis.TLSKey == "") {
		return fmt.Errorf("SITEBACKUP_REDIS_TLS_CERT and SITEBACKUP_REDIS_TLS_KEY must both be set")
	}

	if c.Lease.TTL > 0 && c.Lease.TTL < 2*time.Second {
		return fmt.Errorf("lease ttl %s is too short: must be at least 2s", c.Lease.TTL)
	}

	return nil
}
