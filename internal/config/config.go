package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Batch shaping
	BatchSize           int
	BatchSoftLimitBytes int
	FlushIntervalMs     int

	// Retry policy
	MaxRetries     int
	RetryBackoffMs int

	EnableNormalization bool
	ShutdownTimeoutMs   int
	HTTPTimeoutMs       int

	Deduplication struct {
		Enabled           bool
		Strategy          string // byId|contentHash|timeWindow
		TimeWindowMinutes int
		CacheSize         int
	}

	Azure struct {
		Endpoint     string
		TenantID     string
		ClientID     string
		ClientSecret string
		Auth         string // clientSecret|default (azidentity chain)
	}

	DCR struct {
		ImmutableID string
		StreamName  string
	}

	Source struct {
		Bucket         string
		Prefix         string
		Region         string
		KMSKeyID       string
		PollIntervalMs int
	}

	Concurrency struct {
		ObjectWorkers   int
		IngestWorkers   int
		BatchQueueDepth int
		InputQueueDepth int
	}

	DeadLetter struct {
		Destination    string // none|spill|azureBlob
		SpillDir       string
		StorageAccount string
		Container      string
		Prefix         string
	}

	Ops struct {
		Enabled bool
		Host    string
		Port    int
	}

	Logging struct {
		Level  string // debug|info|warn|error
		Format string // text|json
	}

	Telemetry struct {
		OTLP struct {
			Enabled     bool
			Endpoint    string
			Insecure    bool
			SampleRatio float64
		}
	}

	Secrets struct {
		Vault struct {
			Enabled   bool
			Addr      string
			Token     string
			MountPath string
		}
	}

	Enrichment struct {
		GeoIPDB string
	}
}

func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/guardbridge")
	v.SetConfigType("yaml")
	// Environment variable support. Example: GUARDBRIDGE_DCR_STREAMNAME=...
	v.SetEnvPrefix("GUARDBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("batchsize", 500)
	v.SetDefault("batchsoftlimitbytes", 25*1024*1024)
	v.SetDefault("flushintervalms", 10000)
	v.SetDefault("maxretries", 3)
	v.SetDefault("retrybackoffms", 1000)
	v.SetDefault("enablenormalization", true)
	v.SetDefault("shutdowntimeoutms", 30000)
	v.SetDefault("httptimeoutms", 30000)

	v.SetDefault("deduplication.enabled", true)
	v.SetDefault("deduplication.strategy", "byId")
	v.SetDefault("deduplication.timewindowminutes", 60)
	v.SetDefault("deduplication.cachesize", 10000)

	v.SetDefault("azure.endpoint", "")
	v.SetDefault("azure.tenantid", "")
	v.SetDefault("azure.clientid", "")
	v.SetDefault("azure.clientsecret", "")
	v.SetDefault("azure.auth", "clientSecret")

	v.SetDefault("dcr.immutableid", "")
	v.SetDefault("dcr.streamname", "Custom-GuardDuty_CL")

	v.SetDefault("source.bucket", "")
	v.SetDefault("source.prefix", "")
	v.SetDefault("source.region", "")
	v.SetDefault("source.kmskeyid", "")
	v.SetDefault("source.pollintervalms", 60000)

	v.SetDefault("concurrency.objectworkers", 10)
	v.SetDefault("concurrency.ingestworkers", 4)
	v.SetDefault("concurrency.batchqueuedepth", 16)
	v.SetDefault("concurrency.inputqueuedepth", 1024)

	v.SetDefault("deadletter.destination", "none")
	v.SetDefault("deadletter.spilldir", "")
	v.SetDefault("deadletter.storageaccount", "")
	v.SetDefault("deadletter.container", "")
	v.SetDefault("deadletter.prefix", "deadletter")

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.host", "127.0.0.1")
	v.SetDefault("ops.port", 9464)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.otlp.enabled", false)
	v.SetDefault("telemetry.otlp.endpoint", "localhost:4317")
	v.SetDefault("telemetry.otlp.insecure", true)
	v.SetDefault("telemetry.otlp.sampleratio", 1.0)

	v.SetDefault("secrets.vault.enabled", false)
	v.SetDefault("secrets.vault.addr", "")
	v.SetDefault("secrets.vault.token", "")
	v.SetDefault("secrets.vault.mountpath", "secret")

	v.SetDefault("enrichment.geoipdb", "")

	_ = v.ReadInConfig()

	cfg := &Config{}
	cfg.BatchSize = v.GetInt("batchsize")
	cfg.BatchSoftLimitBytes = v.GetInt("batchsoftlimitbytes")
	cfg.FlushIntervalMs = v.GetInt("flushintervalms")
	cfg.MaxRetries = v.GetInt("maxretries")
	cfg.RetryBackoffMs = v.GetInt("retrybackoffms")
	cfg.EnableNormalization = v.GetBool("enablenormalization")
	cfg.ShutdownTimeoutMs = v.GetInt("shutdowntimeoutms")
	cfg.HTTPTimeoutMs = v.GetInt("httptimeoutms")

	cfg.Deduplication.Enabled = v.GetBool("deduplication.enabled")
	cfg.Deduplication.Strategy = v.GetString("deduplication.strategy")
	cfg.Deduplication.TimeWindowMinutes = v.GetInt("deduplication.timewindowminutes")
	cfg.Deduplication.CacheSize = v.GetInt("deduplication.cachesize")

	cfg.Azure.Endpoint = v.GetString("azure.endpoint")
	cfg.Azure.TenantID = v.GetString("azure.tenantid")
	cfg.Azure.ClientID = v.GetString("azure.clientid")
	cfg.Azure.ClientSecret = v.GetString("azure.clientsecret")
	cfg.Azure.Auth = v.GetString("azure.auth")

	cfg.DCR.ImmutableID = v.GetString("dcr.immutableid")
	cfg.DCR.StreamName = v.GetString("dcr.streamname")

	cfg.Source.Bucket = v.GetString("source.bucket")
	cfg.Source.Prefix = v.GetString("source.prefix")
	cfg.Source.Region = v.GetString("source.region")
	cfg.Source.KMSKeyID = v.GetString("source.kmskeyid")
	cfg.Source.PollIntervalMs = v.GetInt("source.pollintervalms")

	cfg.Concurrency.ObjectWorkers = v.GetInt("concurrency.objectworkers")
	cfg.Concurrency.IngestWorkers = v.GetInt("concurrency.ingestworkers")
	cfg.Concurrency.BatchQueueDepth = v.GetInt("concurrency.batchqueuedepth")
	cfg.Concurrency.InputQueueDepth = v.GetInt("concurrency.inputqueuedepth")

	cfg.DeadLetter.Destination = v.GetString("deadletter.destination")
	cfg.DeadLetter.SpillDir = v.GetString("deadletter.spilldir")
	cfg.DeadLetter.StorageAccount = v.GetString("deadletter.storageaccount")
	cfg.DeadLetter.Container = v.GetString("deadletter.container")
	cfg.DeadLetter.Prefix = v.GetString("deadletter.prefix")

	cfg.Ops.Enabled = v.GetBool("ops.enabled")
	cfg.Ops.Host = v.GetString("ops.host")
	cfg.Ops.Port = v.GetInt("ops.port")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")

	cfg.Telemetry.OTLP.Enabled = v.GetBool("telemetry.otlp.enabled")
	cfg.Telemetry.OTLP.Endpoint = v.GetString("telemetry.otlp.endpoint")
	cfg.Telemetry.OTLP.Insecure = v.GetBool("telemetry.otlp.insecure")
	cfg.Telemetry.OTLP.SampleRatio = v.GetFloat64("telemetry.otlp.sampleratio")

	cfg.Secrets.Vault.Enabled = v.GetBool("secrets.vault.enabled")
	cfg.Secrets.Vault.Addr = v.GetString("secrets.vault.addr")
	cfg.Secrets.Vault.Token = v.GetString("secrets.vault.token")
	cfg.Secrets.Vault.MountPath = v.GetString("secrets.vault.mountpath")

	cfg.Enrichment.GeoIPDB = v.GetString("enrichment.geoipdb")

	return cfg
}

// Duration accessors; the raw fields stay integral so the whole config
// round-trips through env vars and YAML without unit parsing.

func (c *Config) FlushInterval() time.Duration { return time.Duration(c.FlushIntervalMs) * time.Millisecond }

func (c *Config) RetryBackoff() time.Duration { return time.Duration(c.RetryBackoffMs) * time.Millisecond }

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

func (c *Config) HTTPTimeout() time.Duration { return time.Duration(c.HTTPTimeoutMs) * time.Millisecond }

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Source.PollIntervalMs) * time.Millisecond
}

func (c *Config) OpsAddr() string {
	return fmt.Sprintf("%s:%d", c.Ops.Host, c.Ops.Port)
}

// Validate performs static validation and returns a slice of error messages
// (empty if valid) plus non-blocking warnings.
func (c *Config) Validate() (errors []string, warnings []string) {
	if c.BatchSize < 1 || c.BatchSize > 2000 {
		errors = append(errors, "batchSize must be 1-2000")
	}
	if c.BatchSoftLimitBytes < 1024 || c.BatchSoftLimitBytes > 30*1024*1024 {
		errors = append(errors, "batchSoftLimitBytes must be 1024 .. 31457280")
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		errors = append(errors, "maxRetries must be 0-10")
	}
	if c.RetryBackoffMs < 100 || c.RetryBackoffMs > 60000 {
		errors = append(errors, "retryBackoffMs must be 100-60000")
	}
	if c.FlushIntervalMs <= 0 {
		errors = append(errors, "flushIntervalMs must be positive")
	}
	switch c.Deduplication.Strategy {
	case "byId", "contentHash", "timeWindow":
	default:
		errors = append(errors, "deduplication.strategy must be byId|contentHash|timeWindow")
	}
	if c.Deduplication.Enabled && c.Deduplication.CacheSize <= 0 {
		errors = append(errors, "deduplication.cacheSize must be positive")
	}
	if c.Azure.Endpoint == "" {
		errors = append(errors, "azure.endpoint is required")
	}
	if c.DCR.ImmutableID == "" {
		errors = append(errors, "dcr.immutableId is required")
	}
	if c.DCR.StreamName == "" {
		errors = append(errors, "dcr.streamName is required")
	}
	if c.Source.Bucket == "" {
		errors = append(errors, "source.bucket is required")
	}
	switch c.Azure.Auth {
	case "clientSecret":
		if c.Azure.TenantID == "" || c.Azure.ClientID == "" || c.Azure.ClientSecret == "" {
			errors = append(errors, "azure.tenantId, clientId and clientSecret required for clientSecret auth")
		}
	case "default":
	default:
		errors = append(errors, "azure.auth must be clientSecret|default")
	}
	switch c.DeadLetter.Destination {
	case "none":
		warnings = append(warnings, "deadLetter.destination none - failed batches are dropped after logging")
	case "spill":
		if c.DeadLetter.SpillDir == "" {
			errors = append(errors, "deadLetter.spillDir required for spill destination")
		}
	case "azureBlob":
		if c.DeadLetter.StorageAccount == "" || c.DeadLetter.Container == "" {
			errors = append(errors, "deadLetter.storageAccount and container required for azureBlob destination")
		}
	default:
		errors = append(errors, "deadLetter.destination must be none|spill|azureBlob")
	}
	if c.Ops.Port <= 0 || c.Ops.Port > 65535 {
		errors = append(errors, "ops.port must be 1-65535")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, "logging.level must be debug|info|warn|error")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errors = append(errors, "logging.format must be text|json")
	}
	if c.Secrets.Vault.Enabled && c.Secrets.Vault.Addr == "" {
		errors = append(errors, "secrets.vault.addr required when vault enabled")
	}
	if c.Concurrency.ObjectWorkers <= 0 || c.Concurrency.IngestWorkers <= 0 {
		errors = append(errors, "concurrency worker counts must be positive")
	}
	if !c.Deduplication.Enabled {
		warnings = append(warnings, "deduplication disabled - repeated exports will double-ingest")
	}
	return
}
