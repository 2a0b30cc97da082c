// Package s3source lists and fetches GuardDuty export objects from an S3
// bucket, including client-side envelope decryption for objects written with
// a KMS-wrapped data key.
package s3source

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"guardbridge/internal/model"
)

// Error kinds the pipeline branches on. Access-denied and decrypt failures
// are terminal for an object; not-found means the object vanished between
// List and Fetch and is skipped without error accounting.
var (
	ErrAccessDenied = errors.New("s3source: access denied")
	ErrNotFound     = errors.New("s3source: object not found")
	ErrDecrypt      = errors.New("s3source: envelope decryption failed")
)

// Envelope metadata keys set by the exporter. The SDK strips the
// x-amz-meta- prefix on GetObject.
const (
	metaDataKey = "gb-key"
	metaIV      = "gb-iv"
)

type s3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type kmsAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Config for the source client.
type Config struct {
	Bucket string
	Prefix string
	Region string
	// KMSKeyID enables envelope decryption for objects carrying the envelope
	// metadata keys. Empty disables the KMS path entirely.
	KMSKeyID string
	// MaxEnvelopeBytes caps how much of an envelope-encrypted object is read
	// into memory for GCM decryption. Zero means 64 MiB.
	MaxEnvelopeBytes int64

	Logger *slog.Logger
}

// Client is the object source. List and Fetch are safe for concurrent use.
type Client struct {
	cfg Config
	s3  s3API
	kms kmsAPI
}

const defaultMaxEnvelopeBytes = 64 << 20

// New builds a Client from the ambient AWS credential chain.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3source: bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3source: load aws config: %w", err)
	}

	// The poll loop re-dials constantly; keep connections warm instead of
	// paying a TLS handshake per request.
	httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(t *http.Transport) {
		t.MaxIdleConns = 100
		t.MaxIdleConnsPerHost = 16
	})

	c := &Client{
		cfg: cfg,
		s3: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.HTTPClient = httpClient
		}),
	}
	if cfg.KMSKeyID != "" {
		c.kms = kms.NewFromConfig(awsCfg)
	}
	return c, nil
}

// newWithClients is the test seam.
func newWithClients(cfg Config, s3c s3API, kmsc kmsAPI) *Client {
	return &Client{cfg: cfg, s3: s3c, kms: kmsc}
}

// List returns up to limit objects under the configured prefix, in the order
// S3 yields them (lexicographic by key). limit <= 0 means no cap.
func (c *Client) List(ctx context.Context, limit int) ([]model.ObjectRef, error) {
	var refs []model.ObjectRef
	var token *string
	for {
		out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.cfg.Bucket),
			Prefix:            aws.String(c.cfg.Prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, c.wrap("list", c.cfg.Prefix, err)
		}
		for _, obj := range out.Contents {
			ref := model.ObjectRef{
				Bucket: c.cfg.Bucket,
				Key:    aws.ToString(obj.Key),
				Size:   aws.ToInt64(obj.Size),
				ETag:   aws.ToString(obj.ETag),
			}
			if obj.LastModified != nil {
				ref.LastModified = *obj.LastModified
			}
			refs = append(refs, ref)
			if limit > 0 && len(refs) >= limit {
				return refs, nil
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return refs, nil
		}
		token = out.NextContinuationToken
	}
}

// Fetch opens the object body. SSE-KMS objects arrive already decrypted by
// S3; objects carrying the envelope metadata keys are decrypted client-side
// when a KMS key is configured, and passed through untouched otherwise.
func (c *Client) Fetch(ctx context.Context, ref model.ObjectRef) (io.ReadCloser, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return nil, c.wrap("get", ref.Key, err)
	}

	wrappedKey, hasKey := out.Metadata[metaDataKey]
	iv, hasIV := out.Metadata[metaIV]
	if !hasKey && !hasIV {
		return out.Body, nil
	}
	if c.kms == nil {
		out.Body.Close()
		return nil, fmt.Errorf("%w: %s carries envelope metadata but no KMS key is configured", ErrDecrypt, ref.Key)
	}
	if !hasKey || !hasIV {
		out.Body.Close()
		return nil, fmt.Errorf("%w: %s has incomplete envelope metadata", ErrDecrypt, ref.Key)
	}

	defer out.Body.Close()
	plain, err := c.openEnvelope(ctx, ref.Key, wrappedKey, iv, out.Body)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

// openEnvelope unwraps the data key via KMS and decrypts the body, which is
// a single AES-256-GCM sealed blob.
func (c *Client) openEnvelope(ctx context.Context, key, wrappedKey, iv string, body io.Reader) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: bad data key encoding: %v", ErrDecrypt, key, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: bad iv encoding: %v", ErrDecrypt, key, err)
	}

	dec, err := c.kms.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrapped,
		KeyId:          aws.String(c.cfg.KMSKeyID),
	})
	if err != nil {
		if kind := classify(err); kind != nil {
			return nil, fmt.Errorf("%w: %s: kms decrypt: %v", kind, key, err)
		}
		return nil, fmt.Errorf("%w: %s: kms decrypt: %v", ErrDecrypt, key, err)
	}

	block, err := aes.NewCipher(dec.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecrypt, key, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecrypt, key, err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: %s: iv length %d, want %d", ErrDecrypt, key, len(nonce), gcm.NonceSize())
	}

	max := c.cfg.MaxEnvelopeBytes
	if max <= 0 {
		max = defaultMaxEnvelopeBytes
	}
	sealed, err := io.ReadAll(io.LimitReader(body, max+1))
	if err != nil {
		return nil, fmt.Errorf("s3source: read %s: %w", key, err)
	}
	if int64(len(sealed)) > max {
		return nil, fmt.Errorf("%w: %s exceeds envelope size cap", ErrDecrypt, key)
	}

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecrypt, key, err)
	}
	return plain, nil
}

// Probe checks reachability of the region's S3 endpoint for health reporting.
func (c *Client) Probe(ctx context.Context) error {
	host := "s3.amazonaws.com:443"
	if c.cfg.Region != "" {
		host = fmt.Sprintf("s3.%s.amazonaws.com:443", c.cfg.Region)
	}
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("s3source: probe %s: %w", host, err)
	}
	return conn.Close()
}

func (c *Client) wrap(op, key string, err error) error {
	if kind := classify(err); kind != nil {
		return fmt.Errorf("%w: %s %s: %v", kind, op, key, err)
	}
	return fmt.Errorf("s3source: %s %s: %w", op, key, err)
}

// classify maps AWS error codes onto the pipeline's error kinds. Anything it
// does not recognize stays wrapped as transient for the caller's retry logic.
func classify(err error) error {
	var noKey *s3types.NoSuchKey
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation":
			return ErrAccessDenied
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return ErrNotFound
		case "InvalidCiphertextException", "DisabledException", "KeyUnavailableException":
			return ErrDecrypt
		}
	}
	return nil
}
