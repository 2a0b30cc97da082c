package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"guardbridge/internal/azure/auth"
	"guardbridge/internal/batch"
	"guardbridge/internal/config"
	"guardbridge/internal/deadletter"
	"guardbridge/internal/dedup"
	"guardbridge/internal/diagnostics"
	"guardbridge/internal/diagnostics/selfcheck"
	"guardbridge/internal/metrics"
	"guardbridge/internal/ops"
	"guardbridge/internal/pipeline"
	"guardbridge/internal/platform/logger"
	"guardbridge/internal/retry"
	"guardbridge/internal/secrets"
	"guardbridge/internal/secrets/vault"
	"guardbridge/internal/sink/azuremonitor"
	s3source "guardbridge/internal/source/s3"
	"guardbridge/internal/telemetry"
	"guardbridge/internal/transform"
	"guardbridge/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	mode := flag.String("mode", "serve", "Run mode: serve, once or replay")
	diagFormat := flag.String("diag", "", "Print diagnostics in the given format (json or text) and exit")
	cfg := config.Load()

	// CLI overrides
	bucketFlag := flag.String("bucket", "", "Source bucket (overrides config)")
	prefixFlag := flag.String("prefix", "", "Source key prefix (overrides config)")
	regionFlag := flag.String("region", "", "Source bucket region (overrides config)")
	opsHostFlag := flag.String("ops-host", "", "Ops server bind host (overrides config)")
	opsPortFlag := flag.Int("ops-port", 0, "Ops server bind port (overrides config, default 9464)")
	logLevelFlag := flag.String("log-level", "", "Log level (overrides config)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("GuardBridge %s (commit %s, date %s)\n", version.Version, version.Commit, version.BuildDate)
		return
	}

	if *bucketFlag != "" {
		cfg.Source.Bucket = *bucketFlag
	}
	if *prefixFlag != "" {
		cfg.Source.Prefix = *prefixFlag
	}
	if *regionFlag != "" {
		cfg.Source.Region = *regionFlag
	}
	if *opsHostFlag != "" {
		cfg.Ops.Host = *opsHostFlag
	}
	if *opsPortFlag > 0 {
		cfg.Ops.Port = *opsPortFlag
	}
	if *logLevelFlag != "" {
		cfg.Logging.Level = *logLevelFlag
	}

	if *diagFormat != "" {
		if err := diagnostics.Print(diagnostics.Collect(cfg, false), *diagFormat); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(2)
		}
		return
	}

	// Validate config early (separate errors and warnings)
	if errs, warns := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config error: %s\n", e)
		}
		os.Exit(2)
	} else if len(warns) > 0 {
		for _, w := range warns {
			fmt.Fprintf(os.Stderr, "config warning: %s\n", w)
		}
	}

	logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log := logger.Slog()
	log.Info("starting guardbridge", "version", version.Version,
		"commit", version.Commit, "mode", *mode)

	metrics.Init()
	metrics.SystemInfo.WithLabelValues(version.Version, version.Commit,
		version.BuildDate, runtime.Version()).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg)
	if err != nil {
		log.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sdCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	var checks selfcheck.Dependencies
	if cfg.Secrets.Vault.Enabled {
		vc, err := vault.NewClient(vault.Config{
			Enabled:   true,
			Addr:      cfg.Secrets.Vault.Addr,
			Token:     cfg.Secrets.Vault.Token,
			MountPath: cfg.Secrets.Vault.MountPath,
		})
		if err != nil {
			log.Error("vault client init failed", "error", err)
			os.Exit(1)
		}
		if err := secrets.ReplacePlaceholders(ctx, cfg, vc); err != nil {
			log.Error("secret resolution failed", "error", err)
			os.Exit(1)
		}
		checks.Vault = vc
	}

	if err := selfcheck.Run(ctx, cfg, checks); err != nil {
		log.Error("startup self-check failed", "error", err)
		os.Exit(1)
	}

	switch *mode {
	case "serve", "once":
		if err := runPipeline(ctx, cfg, log, *mode == "once"); err != nil {
			log.Error("pipeline failed", "error", err)
			os.Exit(1)
		}
	case "replay":
		if err := runReplay(ctx, cfg, log); err != nil {
			log.Error("replay failed", "error", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (use serve, once or replay)\n", *mode)
		os.Exit(2)
	}
	log.Info("shutdown complete")
}

// runPipeline wires the controller and drives it until the context ends.
// In once mode a single sweep is enqueued and the pipeline drains right away.
func runPipeline(ctx context.Context, cfg *config.Config, log *slog.Logger, once bool) error {
	tokens, err := buildTokens(cfg)
	if err != nil {
		return err
	}
	sink, err := azuremonitor.New(azuremonitor.Config{
		Endpoint:       cfg.Azure.Endpoint,
		DCRImmutableID: cfg.DCR.ImmutableID,
		StreamName:     cfg.DCR.StreamName,
		Timeout:        cfg.HTTPTimeout(),
	}, tokens)
	if err != nil {
		return fmt.Errorf("sink client: %w", err)
	}

	source, err := s3source.New(ctx, s3source.Config{
		Bucket:   cfg.Source.Bucket,
		Prefix:   cfg.Source.Prefix,
		Region:   cfg.Source.Region,
		KMSKeyID: cfg.Source.KMSKeyID,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("source client: %w", err)
	}

	strategy, err := dedup.ParseStrategy(cfg.Deduplication.Strategy)
	if err != nil {
		return err
	}
	deduper := dedup.New(dedup.Config{
		Strategy: strategy,
		Window:   time.Duration(cfg.Deduplication.TimeWindowMinutes) * time.Minute,
		Capacity: cfg.Deduplication.CacheSize,
		Disabled: !cfg.Deduplication.Enabled,
	})

	transformer, err := transform.New(transform.Options{
		Normalize:   cfg.EnableNormalization,
		GeoIPDBPath: cfg.Enrichment.GeoIPDB,
	})
	if err != nil {
		return fmt.Errorf("transformer: %w", err)
	}
	defer transformer.Close()

	batcher := batch.New(batch.Config{
		MaxRecords:     cfg.BatchSize,
		SoftLimitBytes: cfg.BatchSoftLimitBytes,
		FlushInterval:  cfg.FlushInterval(),
	}, cfg.Concurrency.BatchQueueDepth)

	dlSink, err := buildDeadLetter(cfg, log)
	if err != nil {
		return err
	}

	retryCfg := retry.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.RetryBackoff(),
	}

	ctrl, err := pipeline.New(pipeline.Config{
		ObjectWorkers:   cfg.Concurrency.ObjectWorkers,
		IngestWorkers:   cfg.Concurrency.IngestWorkers,
		QueueDepth:      cfg.Concurrency.InputQueueDepth,
		ShutdownTimeout: cfg.ShutdownTimeout(),
		SourceRetry:     retryCfg,
		IngestRetry:     retryCfg,
	}, pipeline.Deps{
		Source:      source,
		Sink:        sink,
		Tokens:      tokens,
		DeadLetter:  dlSink,
		Deduper:     deduper,
		Transformer: transformer,
		Batcher:     batcher,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	if once {
		n, err := ctrl.PollOnce(ctx)
		if err != nil {
			return err
		}
		log.Info("sweep enqueued", "objects", n)
		done, cancel := context.WithCancel(ctx)
		cancel()
		return ctrl.Run(done)
	}

	var srv *ops.Server
	if cfg.Ops.Enabled {
		srv = ops.NewServer(cfg, ctrl, log)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("ops server error", "error", err)
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(cfg.PollInterval())
		defer ticker.Stop()
		for {
			if n, err := ctrl.PollOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("bucket sweep failed", "error", err)
			} else if n > 0 {
				log.Debug("bucket sweep", "enqueued", n)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	err = ctrl.Run(ctx)

	if srv != nil {
		sdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := srv.Shutdown(sdCtx); serr != nil {
			log.Error("ops server shutdown failed", "error", serr)
		}
	}
	return err
}

// runReplay re-submits spilled dead-letter envelopes and removes the files
// that land. Envelopes without records (object-level failures) are left in
// place; those objects come back through a normal sweep.
func runReplay(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.DeadLetter.SpillDir == "" {
		return fmt.Errorf("replay requires deadLetter.spillDir")
	}
	spill, err := deadletter.NewSpillSink(cfg.DeadLetter.SpillDir, log)
	if err != nil {
		return err
	}
	tokens, err := buildTokens(cfg)
	if err != nil {
		return err
	}
	sink, err := azuremonitor.New(azuremonitor.Config{
		Endpoint:       cfg.Azure.Endpoint,
		DCRImmutableID: cfg.DCR.ImmutableID,
		StreamName:     cfg.DCR.StreamName,
		Timeout:        cfg.HTTPTimeout(),
	}, tokens)
	if err != nil {
		return err
	}

	retryCfg := retry.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.RetryBackoff(),
	}

	names, err := spill.List()
	if err != nil {
		return err
	}
	replayed, skipped, failed := 0, 0, 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		env, err := spill.Read(name)
		if err != nil {
			log.Error("unreadable spill file", "file", name, "error", err)
			failed++
			continue
		}
		if len(env.Records) == 0 {
			log.Warn("skipping envelope without records", "file", name,
				"object_key", env.Key, "kind", env.ErrorKind)
			skipped++
			continue
		}
		err = retry.Do(ctx, retryCfg, func(ctx context.Context) error {
			_, err := sink.Ingest(ctx, env.Records)
			return err
		}, retry.Classify)
		if err != nil {
			log.Error("replay ingest failed", "file", name,
				"batch_id", env.BatchID, "error", err)
			failed++
			continue
		}
		if err := spill.Remove(name); err != nil {
			log.Warn("replayed but could not remove spill file", "file", name, "error", err)
		}
		replayed++
		log.Info("envelope replayed", "file", name,
			"batch_id", env.BatchID, "records", len(env.Records))
	}
	log.Info("replay finished", "replayed", replayed, "skipped", skipped, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d envelopes failed to replay", failed, len(names))
	}
	return nil
}

func buildTokens(cfg *config.Config) (*auth.Cache, error) {
	switch cfg.Azure.Auth {
	case "default":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("default azure credential: %w", err)
		}
		return auth.NewCache(&auth.CredentialFetcher{Credential: cred}), nil
	default:
		return auth.NewCache(auth.NewClientCredentials(
			cfg.Azure.TenantID, cfg.Azure.ClientID, cfg.Azure.ClientSecret)), nil
	}
}

func buildDeadLetter(cfg *config.Config, log *slog.Logger) (deadletter.Sink, error) {
	switch cfg.DeadLetter.Destination {
	case "spill":
		return deadletter.NewSpillSink(cfg.DeadLetter.SpillDir, log)
	case "azureBlob":
		return deadletter.NewBlobSink(deadletter.BlobConfig{
			StorageAccount: cfg.DeadLetter.StorageAccount,
			Container:      cfg.DeadLetter.Container,
			Prefix:         cfg.DeadLetter.Prefix,
			TenantID:       cfg.Azure.TenantID,
			ClientID:       cfg.Azure.ClientID,
			ClientSecret:   cfg.Azure.ClientSecret,
			UploadTimeout:  cfg.HTTPTimeout(),
		}, log)
	default:
		return &deadletter.Drop{Logger: log}, nil
	}
}
