// Package azuremonitor posts record batches to the Azure Monitor Logs
// Ingestion API (DCR streams).
package azuremonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"guardbridge/internal/model"
)

const apiVersion = "2023-01-01"

// maxPayloadBytes is the API's documented request ceiling.
const maxPayloadBytes = 30 * 1024 * 1024

// Preflight violations; all fatal, no network call is made.
var (
	ErrEmptyBatch           = errors.New("batch carries no records")
	ErrPayloadTooLarge      = errors.New("serialized batch exceeds 30 MiB")
	ErrInvalidTimeGenerated = errors.New("record TimeGenerated is not ISO-8601")
)

// StatusError is a non-2xx ingestion response with the server payload
// preserved for dead-letter context.
type StatusError struct {
	StatusCode int
	RequestID  string
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ingestion returned status %d (request %s): %s", e.StatusCode, e.RequestID, e.Body)
}

// HTTPStatus feeds the retry classifier.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// RetryAfterDelay is the server-mandated minimum delay on 429.
func (e *StatusError) RetryAfterDelay() time.Duration { return e.RetryAfter }

// TokenSource supplies bearer tokens; the cache in internal/azure/auth
// implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Result describes one ingest request. Accepted equals the record count on
// success; the API reports no per-record rejections as of this api-version,
// so partial acceptance would arrive through a future Result shape change.
type Result struct {
	RequestID  string
	StatusCode int
	Accepted   int
}

// Config addresses the DCR stream.
type Config struct {
	Endpoint       string // data collection endpoint base, https://...ingest.monitor.azure.com
	DCRImmutableID string
	StreamName     string
	Timeout        time.Duration
}

// Client posts batches to one DCR stream. Safe for concurrent use; the
// underlying connection pool is shared.
type Client struct {
	cfg    Config
	httpc  *http.Client
	tokens TokenSource
	tracer trace.Tracer
}

// New builds a Client.
func New(cfg Config, tokens TokenSource) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("sink endpoint is required")
	}
	if cfg.DCRImmutableID == "" || cfg.StreamName == "" {
		return nil, fmt.Errorf("dcr immutable id and stream name are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg: cfg,
		httpc: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		tokens: tokens,
		tracer: otel.Tracer("guardbridge/sink/azuremonitor"),
	}, nil
}

// Ingest validates and posts one batch. A 401 invalidates the cached token
// before surfacing so the retry layer refreshes exactly once.
func (c *Client) Ingest(ctx context.Context, records []model.Record) (Result, error) {
	res := Result{RequestID: uuid.NewString()}

	body, err := c.preflight(records)
	if err != nil {
		return res, err
	}

	ctx, span := c.tracer.Start(ctx, "ingest", trace.WithAttributes(
		attribute.Int("batch.records", len(records)),
		attribute.Int("batch.bytes", len(body)),
		attribute.String("request.id", res.RequestID),
	))
	defer span.End()

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("acquire ingestion token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ingestURL(), bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("x-ms-client-request-id", res.RequestID)

	resp, err := c.httpc.Do(req)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("ingest request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	res.StatusCode = resp.StatusCode
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Accepted = len(records)
		return res, nil
	}

	serr := &StatusError{
		StatusCode: resp.StatusCode,
		RequestID:  res.RequestID,
		Body:       strings.TrimSpace(string(respBody)),
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		c.tokens.Invalidate()
	case http.StatusTooManyRequests:
		serr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	span.RecordError(serr)
	return res, serr
}

// preflight validates and serializes without touching the network.
func (c *Client) preflight(records []model.Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, ErrEmptyBatch
	}
	for i := range records {
		if !validISO8601(records[i].TimeGenerated) {
			return nil, fmt.Errorf("%w: record %d %q", ErrInvalidTimeGenerated, i, records[i].TimeGenerated)
		}
	}
	body, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	if len(body) > maxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(body))
	}
	return body, nil
}

func (c *Client) ingestURL() string {
	return fmt.Sprintf("%s/dataCollectionRules/%s/streams/%s?api-version=%s",
		strings.TrimRight(c.cfg.Endpoint, "/"),
		c.cfg.DCRImmutableID,
		url.PathEscape(c.cfg.StreamName),
		apiVersion)
}

// Probe checks sink reachability for the health model: a TCP dial of the
// ingestion endpoint host.
func (c *Client) Probe(ctx context.Context) error {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("parse sink endpoint: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "443")
	}
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("sink connectivity (%s): %w", host, err)
	}
	return conn.Close()
}

func validISO8601(s string) bool {
	if s == "" {
		return false
	}
	if _, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return true
	}
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
