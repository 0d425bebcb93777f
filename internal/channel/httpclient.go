// SPDX-License-Identifier: MIT

package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/platform/httpx"
)

// maxErrorBody caps how much of an error response we keep for logs.
const maxErrorBody = 512

// HTTPClient is the shared base client for platform adapters. It owns
// the single mapping from HTTP status codes to the typed error classes.
type HTTPClient struct {
	channel model.Channel
	base    string
	http    *http.Client
	logger  zerolog.Logger
}

// NewHTTPClient builds a base client for one platform.
func NewHTTPClient(ch model.Channel, base string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		channel: ch,
		base:    strings.TrimRight(base, "/"),
		http:    httpx.NewTracingClient(timeout),
		logger:  log.WithComponent("channel." + string(ch)),
	}
}

// Request is one platform call.
type Request struct {
	Operation   string // for logs and error context, e.g. "push_availability"
	Method      string
	Path        string // joined onto the base URL
	Query       string
	Header      map[string]string
	Body        []byte
	ContentType string
}

// Do executes a platform call and returns the response body. Non-2xx
// statuses and transport failures come back as *CallError.
func (c *HTTPClient) Do(ctx context.Context, r Request) ([]byte, error) {
	u := c.base + r.Path
	if r.Query != "" {
		u += "?" + r.Query
	}
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u, body)
	if err != nil {
		return nil, c.wrap(r.Operation, ErrPermanent, 0, "", err)
	}
	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}

	res, err := c.http.Do(req)
	if err != nil {
		class := ErrUnavailable
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			class = ErrTransient
		}
		return nil, c.wrap(r.Operation, class, 0, "", err)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, c.wrap(r.Operation, ErrTransient, res.StatusCode, "", err)
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return data, nil
	}
	return nil, c.classify(r.Operation, res, data)
}

// DoJSON executes a call with a JSON body and decodes a JSON response
// into out (skipped when out is nil).
func (c *HTTPClient) DoJSON(ctx context.Context, r Request, in, out any) error {
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return c.wrap(r.Operation, ErrPermanent, 0, "", err)
		}
		r.Body = body
		r.ContentType = "application/json"
	}
	data, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return c.wrap(r.Operation, ErrBadResponse, 0, truncate(string(data)), err)
	}
	return nil
}

func (c *HTTPClient) classify(op string, res *http.Response, body []byte) error {
	snippet := truncate(string(body))
	switch {
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden:
		return c.wrap(op, ErrAuthFailed, res.StatusCode, snippet, nil)
	case res.StatusCode == http.StatusTooManyRequests:
		e := &CallError{
			Class: ErrRateLimited, Channel: c.channel, Operation: op,
			Status: res.StatusCode, Body: snippet,
			RetryAfter: parseRetryAfter(res.Header.Get("Retry-After")),
		}
		c.logError(e)
		return e
	case res.StatusCode == http.StatusBadRequest,
		res.StatusCode == http.StatusNotFound,
		res.StatusCode == http.StatusUnprocessableEntity:
		return c.wrap(op, ErrPermanent, res.StatusCode, snippet, nil)
	case res.StatusCode == http.StatusRequestTimeout:
		return c.wrap(op, ErrTransient, res.StatusCode, snippet, nil)
	case res.StatusCode >= 500:
		return c.wrap(op, ErrUnavailable, res.StatusCode, snippet, nil)
	default:
		return c.wrap(op, ErrTransient, res.StatusCode, snippet, nil)
	}
}

func (c *HTTPClient) wrap(op string, class error, status int, body string, err error) error {
	e := &CallError{Class: class, Channel: c.channel, Operation: op, Status: status, Body: body, Err: err}
	c.logError(e)
	return e
}

func (c *HTTPClient) logError(e *CallError) {
	c.logger.Warn().
		Str("operation", e.Operation).
		Int("status", e.Status).
		AnErr("cause", e.Err).
		Msg(e.Class.Error())
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}

// SignHMAC computes the hex HMAC-SHA256 of a payload. Every platform in
// the closed set signs webhooks this way, differing only in header name.
func SignHMAC(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a hex HMAC-SHA256 signature in constant time.
func VerifyHMAC(secret string, payload []byte, signature string) bool {
	expected := SignHMAC(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// BadSignature builds the uniform signature rejection error.
func BadSignature(ch model.Channel, op string) error {
	return &CallError{Class: ErrBadSignature, Channel: ch, Operation: op}
}

// BadPayload builds the uniform malformed-payload error.
func BadPayload(ch model.Channel, op string, err error) error {
	return &CallError{Class: ErrPermanent, Channel: ch, Operation: op, Err: fmt.Errorf("payload: %w", err)}
}
