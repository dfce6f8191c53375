package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/lucidstream/viewsync/internal/config"
	syncerr "github.com/lucidstream/viewsync/internal/errors"
	"github.com/lucidstream/viewsync/internal/metrics"
	"github.com/lucidstream/viewsync/internal/model"
	"github.com/lucidstream/viewsync/internal/store"
)

// HeaderOptions carries the client credentials forwarded to the external
// query authority. Token is sent verbatim as the Authorization header.
type HeaderOptions struct {
	Token  string
	Cookie string
}

// TransformRequest names one custom query to authorize.
type TransformRequest struct {
	ID   string
	Name string
	Args json.RawMessage
}

// TransformErrorKind classifies per-query transform failures.
type TransformErrorKind string

const (
	// TransformErrorZero is a transport or policy failure: the authority was
	// never reached, or returned garbage. Eligible for immediate retry.
	TransformErrorZero TransformErrorKind = "zero"
	// TransformErrorHTTP is a non-2xx response from the authority.
	TransformErrorHTTP TransformErrorKind = "http"
	// TransformErrorApp is a logical rejection by the authority. Retrying
	// without changing the query is unlikely to help.
	TransformErrorApp TransformErrorKind = "app"
)

// TransformError is the error record of one failed query.
type TransformError struct {
	Kind    TransformErrorKind `json:"error"`
	Status  int                `json:"status,omitempty"`
	Details json.RawMessage    `json:"details,omitempty"`
}

// TransformResult is the per-query outcome: an authorized AST with its
// content hash, or an error record. Exactly one of AST/Error is set.
type TransformResult struct {
	ID    string
	Name  string
	AST   json.RawMessage
	Hash  string
	Error *TransformError
}

type wireQuery struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type wireResult struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	AST     json.RawMessage `json:"ast,omitempty"`
	Error   string          `json:"error,omitempty"`
	Status  int             `json:"status,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// cachedTransform is the cache payload for one authorized query.
type cachedTransform struct {
	ast  json.RawMessage
	hash string
}

// Transformer converts named custom queries into authorized, executable
// query ASTs by calling an external authority over HTTP. Responses are
// cached per (token, cookie, query ID) for a short TTL; errors are never
// cached so transient failures retry immediately. Errors are per-query: one
// bad query never blocks its siblings in the same batch.
type Transformer struct {
	cfg     config.TransformConfig
	client  *retryablehttp.Client
	cache   store.Cache
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewTransformer creates a transformer over the given cache. The allow-list
// in cfg must be non-empty; its first entry is the default endpoint.
func NewTransformer(cfg config.TransformConfig, cache store.Cache, logger *zap.Logger, m *metrics.Metrics) *Transformer {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = cfg.RequestTimeout
	client.Logger = nil
	// Status-code failures surface as per-query http errors for the caller
	// to act on; only transport failures are retried here.
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}

	return &Transformer{
		cfg:     cfg,
		client:  client,
		cache:   cache,
		logger:  logger,
		metrics: m,
	}
}

// Transform authorizes the given queries, preferring cached results. The
// returned slice has one entry per input query, in input order. Batch-level
// failures (transport, bad URL, malformed response) degrade to per-query
// error records; the error return is reserved for context cancellation and
// programming errors.
func (t *Transformer) Transform(ctx context.Context, header HeaderOptions, queries []TransformRequest, userQueryURL string) ([]TransformResult, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	if !t.cfg.ForwardCookies {
		header.Cookie = ""
	}

	endpoint, endpointErr := t.resolveURL(userQueryURL)

	results := make(map[string]TransformResult, len(queries))
	var uncached []TransformRequest
	for _, q := range queries {
		if cached, ok := t.lookup(ctx, header, q); ok {
			results[q.ID] = cached
			continue
		}
		uncached = append(uncached, q)
	}

	if len(uncached) > 0 {
		if endpointErr != nil {
			// URL policy violations are rejected before any network call.
			for _, q := range uncached {
				results[q.ID] = zeroResult(q, endpointErr)
			}
			t.logger.Warn("Transform URL rejected",
				zap.String("url", userQueryURL),
				zap.Int("queries", len(uncached)))
		} else {
			fetched, err := t.fetch(ctx, endpoint, header, uncached)
			if err != nil {
				return nil, err
			}
			for id, r := range fetched {
				results[id] = r
			}
		}
	}

	out := make([]TransformResult, 0, len(queries))
	for _, q := range queries {
		out = append(out, results[q.ID])
	}
	return out, nil
}

// resolveURL picks the endpoint for a batch: the caller-supplied URL when it
// matches the allow-list, the first configured URL when none is supplied.
func (t *Transformer) resolveURL(userQueryURL string) (string, error) {
	if userQueryURL == "" {
		return t.cfg.URLs[0], nil
	}
	if urlAllowed(t.cfg.URLs, userQueryURL) {
		return userQueryURL, nil
	}
	return "", syncerr.URLNotAllowed(userQueryURL)
}

func (t *Transformer) cacheKey(header HeaderOptions, queryID string) string {
	// Query ID already encodes name+args, so the credentials are the only
	// other inputs to the authority's decision.
	return header.Token + "|" + header.Cookie + "|" + queryID
}

func (t *Transformer) lookup(ctx context.Context, header HeaderOptions, q TransformRequest) (TransformResult, bool) {
	v, err := t.cache.Get(ctx, t.cacheKey(header, q.ID))
	if err != nil {
		t.metrics.RecordCacheMiss("transform")
		return TransformResult{}, false
	}
	entry, ok := v.(cachedTransform)
	if !ok {
		t.metrics.RecordCacheMiss("transform")
		return TransformResult{}, false
	}
	t.metrics.RecordCacheHit("transform")
	return TransformResult{ID: q.ID, Name: q.Name, AST: entry.ast, Hash: entry.hash}, true
}

// fetch issues one batched request for the uncached queries and decodes the
// per-query outcomes. Transport and decode failures synthesize zero errors
// for every query in the batch rather than failing the call.
func (t *Transformer) fetch(ctx context.Context, endpoint string, header HeaderOptions, queries []TransformRequest) (map[string]TransformResult, error) {
	wire := make([]wireQuery, 0, len(queries))
	for _, q := range queries {
		wire = append(wire, wireQuery{ID: q.ID, Name: q.Name, Args: q.Args})
	}
	body, err := json.Marshal([]any{"transform", wire})
	if err != nil {
		return nil, fmt.Errorf("failed to encode transform request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build transform request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if header.Token != "" {
		req.Header.Set("Authorization", header.Token)
	}
	if header.Cookie != "" {
		req.Header.Set("Cookie", header.Cookie)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.metrics.RecordTransformRequest("transport_error")
		t.logger.Warn("Transform request failed",
			zap.String("url", endpoint),
			zap.Int("queries", len(queries)),
			zap.Error(err))
		return t.allZero(queries, err), nil
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.metrics.RecordTransformRequest("transport_error")
		return t.allZero(queries, err), nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.metrics.RecordTransformRequest("http_error")
		t.logger.Warn("Transform request rejected",
			zap.String("url", endpoint),
			zap.Int("status", resp.StatusCode))
		out := make(map[string]TransformResult, len(queries))
		for _, q := range queries {
			t.metrics.RecordTransformError(string(TransformErrorHTTP))
			out[q.ID] = TransformResult{ID: q.ID, Name: q.Name, Error: &TransformError{
				Kind:    TransformErrorHTTP,
				Status:  resp.StatusCode,
				Details: errDetails(fmt.Errorf("authority returned status %d", resp.StatusCode)),
			}}
		}
		return out, nil
	}

	items, err := decodeTransformed(payload)
	if err != nil {
		t.metrics.RecordTransformRequest("decode_error")
		t.logger.Warn("Transform response malformed",
			zap.String("url", endpoint),
			zap.Error(err))
		return t.allZero(queries, err), nil
	}
	t.metrics.RecordTransformRequest("ok")

	byID := make(map[string]wireResult, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	out := make(map[string]TransformResult, len(queries))
	for _, q := range queries {
		item, ok := byID[q.ID]
		if !ok {
			t.metrics.RecordTransformError(string(TransformErrorZero))
			out[q.ID] = zeroResult(q, fmt.Errorf("query missing from authority response"))
			continue
		}
		if item.Error != "" {
			// Application errors pass through untouched; they are never
			// cached, but the caller should not expect a blind retry to help.
			t.metrics.RecordTransformError(item.Error)
			out[q.ID] = TransformResult{ID: q.ID, Name: q.Name, Error: &TransformError{
				Kind:    TransformErrorKind(item.Error),
				Status:  item.Status,
				Details: item.Details,
			}}
			continue
		}
		hash, err := model.TransformationHash(item.AST)
		if err != nil {
			t.metrics.RecordTransformError(string(TransformErrorZero))
			out[q.ID] = zeroResult(q, fmt.Errorf("authority returned invalid AST: %w", err))
			continue
		}
		r := TransformResult{ID: q.ID, Name: q.Name, AST: item.AST, Hash: hash}
		out[q.ID] = r
		if err := t.cache.Set(ctx, t.cacheKey(header, q.ID), cachedTransform{ast: item.AST, hash: hash}, t.cfg.CacheTTL); err != nil {
			t.logger.Warn("Failed to cache transform result", zap.Error(err))
		}
	}
	return out, nil
}

// decodeTransformed unpacks the ["transformed", [...]] response envelope.
func decodeTransformed(payload []byte) ([]wireResult, error) {
	var envelope []json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("invalid response envelope: %w", err)
	}
	if len(envelope) != 2 {
		return nil, fmt.Errorf("response envelope has %d elements, want 2", len(envelope))
	}
	var tag string
	if err := json.Unmarshal(envelope[0], &tag); err != nil || tag != "transformed" {
		return nil, fmt.Errorf("unexpected response tag %s", envelope[0])
	}
	var items []wireResult
	if err := json.Unmarshal(envelope[1], &items); err != nil {
		return nil, fmt.Errorf("invalid response body: %w", err)
	}
	return items, nil
}

func (t *Transformer) allZero(queries []TransformRequest, cause error) map[string]TransformResult {
	out := make(map[string]TransformResult, len(queries))
	for _, q := range queries {
		t.metrics.RecordTransformError(string(TransformErrorZero))
		out[q.ID] = zeroResult(q, cause)
	}
	return out
}

func zeroResult(q TransformRequest, cause error) TransformResult {
	return TransformResult{ID: q.ID, Name: q.Name, Error: &TransformError{
		Kind:    TransformErrorZero,
		Details: errDetails(cause),
	}}
}

func errDetails(err error) json.RawMessage {
	b, _ := json.Marshal(err.Error())
	return b
}
