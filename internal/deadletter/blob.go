package deadletter

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/google/uuid"
)

// BlobConfig describes the Azure Storage destination for dead-letter blobs.
type BlobConfig struct {
	StorageAccount string
	Container      string
	// Prefix is prepended to generated blob names, e.g. "deadletter".
	Prefix string

	// Service principal credentials. When ClientID is empty the sink falls
	// back to DefaultAzureCredential (managed identity, az cli, env).
	TenantID     string
	ClientID     string
	ClientSecret string

	UploadTimeout time.Duration
}

// BlobSink uploads one gzip-compressed JSON block blob per envelope.
type BlobSink struct {
	cfg       BlobConfig
	container *container.Client
	logger    *slog.Logger
}

func NewBlobSink(cfg BlobConfig, logger *slog.Logger) (*BlobSink, error) {
	if cfg.StorageAccount == "" || cfg.Container == "" {
		return nil, fmt.Errorf("deadletter: storage account and container are required")
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}

	var cred azcore.TokenCredential
	var err error
	if cfg.ClientID != "" {
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("deadletter: build azure credential: %w", err)
	}

	accountURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.StorageAccount)
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("deadletter: create blob client: %w", err)
	}

	return &BlobSink{
		cfg:       cfg,
		container: client.ServiceClient().NewContainerClient(cfg.Container),
		logger:    logger,
	}, nil
}

func (b *BlobSink) Name() string { return "azureBlob" }

func (b *BlobSink) Write(ctx context.Context, env *Envelope) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(env); err != nil {
		gz.Close()
		return fmt.Errorf("deadletter: encode envelope: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("deadletter: compress envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.UploadTimeout)
	defer cancel()

	name := b.blobName(env)
	blob := b.container.NewBlockBlobClient(name)
	if _, err := blob.UploadBuffer(ctx, buf.Bytes(), nil); err != nil {
		return fmt.Errorf("deadletter: upload %s: %w", name, err)
	}
	if b.logger != nil {
		b.logger.Info("batch dead-lettered to blob storage",
			"blob", name, "batch_id", env.BatchID, "records", len(env.Records))
	}
	return nil
}

// blobName partitions uploads by date so retention policies can prune by
// virtual directory.
func (b *BlobSink) blobName(env *Envelope) string {
	ts := env.DeadLetters.UTC()
	name := fmt.Sprintf("%s/%s-%s.json.gz", ts.Format("2006/01/02"), ts.Format("150405"), uuid.NewString())
	if b.cfg.Prefix != "" {
		name = b.cfg.Prefix + "/" + name
	}
	return name
}

var _ Sink = (*BlobSink)(nil)
