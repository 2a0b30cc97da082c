package diagnostics

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"guardbridge/internal/config"
	"guardbridge/internal/version"
)

// SystemInfo contains diagnostic information about the system.
type SystemInfo struct {
	Version     VersionInfo     `json:"version"`
	Runtime     RuntimeInfo     `json:"runtime"`
	Environment EnvironmentInfo `json:"environment"`
	Config      ConfigSummary   `json:"config"`
	Timestamp   string          `json:"timestamp"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

type RuntimeInfo struct {
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
	MemStats     struct {
		Alloc      uint64 `json:"alloc_bytes"`
		TotalAlloc uint64 `json:"total_alloc_bytes"`
		Sys        uint64 `json:"sys_bytes"`
		NumGC      uint32 `json:"num_gc"`
	} `json:"mem_stats"`
}

type EnvironmentInfo struct {
	Hostname string            `json:"hostname"`
	WorkDir  string            `json:"work_dir"`
	EnvVars  map[string]string `json:"env_vars,omitempty"`
}

type ConfigSummary struct {
	SourceBucket       string `json:"source_bucket"`
	SourceRegion       string `json:"source_region"`
	KMSConfigured      bool   `json:"kms_configured"`
	BatchSize          int    `json:"batch_size"`
	DedupStrategy      string `json:"dedup_strategy"`
	DedupEnabled       bool   `json:"dedup_enabled"`
	StreamName         string `json:"stream_name"`
	AuthMode           string `json:"auth_mode"`
	DeadLetterDest     string `json:"dead_letter_destination"`
	OpsEnabled         bool   `json:"ops_enabled"`
	OpsAddr            string `json:"ops_addr"`
	LogLevel           string `json:"log_level"`
	VaultEnabled       bool   `json:"vault_enabled"`
	NormalizationOn    bool   `json:"normalization_enabled"`
	GeoIPConfigured    bool   `json:"geoip_configured"`
	TelemetryExporting bool   `json:"telemetry_exporting"`
}

// Collect gathers diagnostic information.
func Collect(cfg *config.Config, includeEnv bool) SystemInfo {
	info := SystemInfo{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	info.Version = VersionInfo{
		Version:   version.Version,
		Commit:    version.Commit,
		BuildDate: version.BuildDate,
		GoVersion: runtime.Version(),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	info.Runtime = RuntimeInfo{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}
	info.Runtime.MemStats.Alloc = m.Alloc
	info.Runtime.MemStats.TotalAlloc = m.TotalAlloc
	info.Runtime.MemStats.Sys = m.Sys
	info.Runtime.MemStats.NumGC = m.NumGC

	hostname, _ := os.Hostname()
	workdir, _ := os.Getwd()

	info.Environment = EnvironmentInfo{
		Hostname: hostname,
		WorkDir:  workdir,
	}

	if includeEnv {
		info.Environment.EnvVars = collectSafeEnvVars()
	}

	// Config summary (redacted)
	if cfg != nil {
		info.Config = ConfigSummary{
			SourceBucket:       cfg.Source.Bucket,
			SourceRegion:       cfg.Source.Region,
			KMSConfigured:      cfg.Source.KMSKeyID != "",
			BatchSize:          cfg.BatchSize,
			DedupStrategy:      cfg.Deduplication.Strategy,
			DedupEnabled:       cfg.Deduplication.Enabled,
			StreamName:         cfg.DCR.StreamName,
			AuthMode:           cfg.Azure.Auth,
			DeadLetterDest:     cfg.DeadLetter.Destination,
			OpsEnabled:         cfg.Ops.Enabled,
			OpsAddr:            cfg.OpsAddr(),
			LogLevel:           cfg.Logging.Level,
			VaultEnabled:       cfg.Secrets.Vault.Enabled,
			NormalizationOn:    cfg.EnableNormalization,
			GeoIPConfigured:    cfg.Enrichment.GeoIPDB != "",
			TelemetryExporting: cfg.Telemetry.OTLP.Enabled,
		}
	}

	return info
}

// collectSafeEnvVars returns environment variables that don't contain secrets.
func collectSafeEnvVars() map[string]string {
	safeVars := make(map[string]string)

	// Allow-list of safe environment variables
	safeKeys := []string{
		"HOME",
		"HOSTNAME",
		"PATH",
		"USER",
		"SHELL",
		"LANG",
		"TZ",
		"GOMAXPROCS",
		"GOGC",
		"GOMEMLIMIT",
		"GODEBUG",
	}

	for _, key := range safeKeys {
		if val := os.Getenv(key); val != "" {
			safeVars[key] = val
		}
	}

	return safeVars
}

// Print outputs the diagnostic information in the specified format.
func Print(info SystemInfo, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)

	case "text":
		fmt.Printf("GuardBridge Diagnostics\n")
		fmt.Printf("=======================\n\n")

		fmt.Printf("Version Information:\n")
		fmt.Printf("  Version:    %s\n", info.Version.Version)
		fmt.Printf("  Commit:     %s\n", info.Version.Commit)
		fmt.Printf("  Build Date: %s\n", info.Version.BuildDate)
		fmt.Printf("  Go Version: %s\n\n", info.Version.GoVersion)

		fmt.Printf("Runtime Information:\n")
		fmt.Printf("  OS:          %s\n", info.Runtime.OS)
		fmt.Printf("  Arch:        %s\n", info.Runtime.Arch)
		fmt.Printf("  CPUs:        %d\n", info.Runtime.NumCPU)
		fmt.Printf("  Goroutines:  %d\n", info.Runtime.NumGoroutine)
		fmt.Printf("  Memory:\n")
		fmt.Printf("    Allocated: %d MB\n", info.Runtime.MemStats.Alloc/1024/1024)
		fmt.Printf("    System:    %d MB\n", info.Runtime.MemStats.Sys/1024/1024)
		fmt.Printf("    GC Cycles: %d\n\n", info.Runtime.MemStats.NumGC)

		fmt.Printf("Environment:\n")
		fmt.Printf("  Hostname:   %s\n", info.Environment.Hostname)
		fmt.Printf("  Work Dir:   %s\n", info.Environment.WorkDir)
		if len(info.Environment.EnvVars) > 0 {
			fmt.Printf("  Env Vars:\n")
			for k, v := range info.Environment.EnvVars {
				fmt.Printf("    %s=%s\n", k, v)
			}
		}
		fmt.Printf("\n")

		fmt.Printf("Configuration Summary:\n")
		fmt.Printf("  Source:       s3://%s (%s)\n", info.Config.SourceBucket, info.Config.SourceRegion)
		fmt.Printf("  KMS:          %v\n", info.Config.KMSConfigured)
		fmt.Printf("  Batch Size:   %d\n", info.Config.BatchSize)
		fmt.Printf("  Dedup:        %v (strategy %s)\n", info.Config.DedupEnabled, info.Config.DedupStrategy)
		fmt.Printf("  Stream:       %s\n", info.Config.StreamName)
		fmt.Printf("  Auth Mode:    %s\n", info.Config.AuthMode)
		fmt.Printf("  Dead Letter:  %s\n", info.Config.DeadLetterDest)
		fmt.Printf("  Ops Server:   %v (%s)\n", info.Config.OpsEnabled, info.Config.OpsAddr)
		fmt.Printf("  Log Level:    %s\n", info.Config.LogLevel)
		fmt.Printf("  Vault:        %v\n", info.Config.VaultEnabled)
		fmt.Printf("  Normalize:    %v\n", info.Config.NormalizationOn)
		fmt.Printf("  GeoIP:        %v\n", info.Config.GeoIPConfigured)
		fmt.Printf("  Telemetry:    %v\n\n", info.Config.TelemetryExporting)

		fmt.Printf("Timestamp: %s\n", info.Timestamp)

		return nil

	default:
		return fmt.Errorf("unsupported format: %s (use 'json' or 'text')", format)
	}
}
