// Package webhook issues outbound HTTP calls for WEBHOOK jobs with
// per-attempt retries, HMAC-SHA256 request signing, and a per-host circuit
// breaker persisted in the store.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/zoo-event-hub/internal/adapter/observability"
	"github.com/fairyhunter13/zoo-event-hub/internal/config"
	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

// Caller implements domain.WebhookCaller.
type Caller struct {
	client  *http.Client
	circuit domain.CircuitStore
	cfg     config.Config
	now     func() time.Time
}

// NewCaller constructs a Caller with a per-attempt timeout from config.
func NewCaller(cfg config.Config, circuit domain.CircuitStore) *Caller {
	return &Caller{
		client:  &http.Client{Timeout: cfg.WebhookTimeout()},
		circuit: circuit,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Call performs one webhook call: circuit pre-check, signed request,
// bounded retry loop, and breaker accounting. An OPEN breaker fails
// immediately without HTTP I/O.
func (c *Caller) Call(ctx domain.Context, req domain.WebhookRequest) (domain.WebhookResult, error) {
	key := CircuitKey(req.URL)

	entry, err := c.circuit.EnsureClosed(ctx, key)
	if err != nil {
		return domain.WebhookResult{}, err
	}
	if entry.State == domain.CircuitOpen {
		observability.WebhookCallsTotal.WithLabelValues("circuit_open").Inc()
		return domain.WebhookResult{}, fmt.Errorf("op=webhook.call: CIRCUIT_OPEN for %s: %w", key, domain.ErrCircuitOpen)
	}

	headers, err := c.composeHeaders(req)
	if err != nil {
		return domain.WebhookResult{}, err
	}

	var body []byte
	if req.Body != nil {
		if body, err = json.Marshal(req.Body); err != nil {
			return domain.WebhookResult{}, fmt.Errorf("op=webhook.call: %w", err)
		}
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}

	var lastErr *domain.WebhookCallError
	attempt := func() (domain.WebhookResult, error) {
		res, callErr := c.doRequest(ctx, method, req.URL, body, headers)
		if callErr != nil {
			lastErr = callErr
			return domain.WebhookResult{}, callErr
		}
		return res, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.WebhookBackoffBase()
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	retries := c.cfg.WebhookMaxRetries
	if retries < 1 {
		retries = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx)

	res, err := backoff.RetryWithData(attempt, policy)
	if err != nil {
		if state, cbErr := c.circuit.OnFailure(ctx, key, c.cfg.CBFailureThreshold); cbErr != nil {
			slog.Error("circuit breaker update failed", slog.String("key", key), slog.Any("error", cbErr))
		} else if state == domain.CircuitOpen {
			observability.CircuitTransitionsTotal.WithLabelValues(string(domain.CircuitOpen)).Inc()
			slog.Warn("circuit breaker opened", slog.String("key", key))
		}
		observability.WebhookCallsTotal.WithLabelValues("failure").Inc()
		if lastErr != nil {
			return domain.WebhookResult{}, lastErr
		}
		return domain.WebhookResult{}, &domain.WebhookCallError{Msg: err.Error()}
	}

	if err := c.circuit.OnSuccess(ctx, key); err != nil {
		slog.Error("circuit breaker reset failed", slog.String("key", key), slog.Any("error", err))
	}
	observability.WebhookCallsTotal.WithLabelValues("success").Inc()
	return res, nil
}

func (c *Caller) doRequest(ctx context.Context, method, rawURL string, body []byte, headers map[string]string) (domain.WebhookResult, *domain.WebhookCallError) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return domain.WebhookResult{}, &domain.WebhookCallError{Msg: err.Error()}
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return domain.WebhookResult{}, &domain.WebhookCallError{Msg: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return domain.WebhookResult{Status: resp.StatusCode, Body: string(respBody)}, nil
	}
	return domain.WebhookResult{}, &domain.WebhookCallError{
		Msg:      fmt.Sprintf("HTTP %d", resp.StatusCode),
		Status:   resp.StatusCode,
		Response: string(respBody),
	}
}

func (c *Caller) composeHeaders(req domain.WebhookRequest) (map[string]string, error) {
	headers := make(map[string]string, len(req.Headers)+4)
	for k, v := range req.Headers {
		headers[k] = v
	}
	setDefault(headers, "Content-Type", "application/json")
	if req.IdemKey != "" {
		setDefault(headers, "Idempotency-Key", req.IdemKey)
	}
	if c.cfg.WebhookSigningSecret != "" {
		ts := strconv.FormatInt(c.now().Unix(), 10)
		sig, err := Sign(c.cfg.WebhookSigningSecret, ts, req.Body)
		if err != nil {
			return nil, fmt.Errorf("op=webhook.sign: %w", err)
		}
		setDefault(headers, c.cfg.WebhookTimestampHeader, ts)
		setDefault(headers, c.cfg.WebhookSignatureHeader, "sha256="+sig)
	}
	return headers, nil
}

// Sign computes hex(HMAC-SHA256(secret, ts + "." + canonical)) where the
// canonical body string is the compact JSON encoding with sorted keys, or
// the empty string for a nil body.
func Sign(secret, ts string, body map[string]any) (string, error) {
	canonical, err := CanonicalBody(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + canonical))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// CanonicalBody renders the signing form of a body. encoding/json emits
// compact output with map keys in sorted order, which is the canonical
// form this hub defines.
func CanonicalBody(body map[string]any) (string, error) {
	if body == nil {
		return "", nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CircuitKey derives the breaker key from the URL authority (host[:port]);
// an unparsable URL falls back to the full string.
func CircuitKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

func setDefault(h map[string]string, key, val string) {
	for k := range h {
		if strings.EqualFold(k, key) {
			return
		}
	}
	h[key] = val
}
