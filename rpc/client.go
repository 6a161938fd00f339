// rpc/client.go
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wfunc/tycoon/logger"
)

// CodeOK is the envelope code that marks success.
const CodeOK = 200

const maxResponseSize = 4 << 20

// RequestError is returned for every failed control-plane call: no
// response, a non-2xx status, or an envelope code other than CodeOK.
type RequestError struct {
	Op         string
	Method     string
	Path       string
	StatusCode int // 0 when no response arrived
	Code       int // envelope code, 0 when absent
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s %s)", e.Op, e.Method, e.Path)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Code != 0 && e.Code != e.StatusCode {
		fmt.Fprintf(&b, ", code %d", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Rejected reports whether the server answered and refused the request.
func (e *RequestError) Rejected() bool {
	return e.StatusCode != 0
}

// envelope is the success wrapper; detail is how the server reports
// HTTP-level failures.
type envelope struct {
	Code    *int            `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

// Client issues control-plane requests. Parameters travel in the query
// string and every response is a JSON envelope.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// NewClient creates a client for baseURL. A non-empty token is sent as a
// bearer credential on every request.
func NewClient(baseURL string, timeout time.Duration, token string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("rpc: invalid control plane url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("rpc: control plane url %q must be http or https", baseURL)
	}
	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: timeout},
		token:      token,
	}, nil
}

// Call performs one request and decodes the envelope's data into out,
// which may be nil.
func (c *Client) Call(ctx context.Context, op, method, path string, params url.Values, out any) error {
	reqErr := func(status, code int, msg string, err error) error {
		return &RequestError{Op: op, Method: method, Path: path, StatusCode: status, Code: code, Message: msg, Err: err}
	}

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return reqErr(0, 0, "", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return reqErr(0, 0, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return reqErr(resp.StatusCode, 0, "", fmt.Errorf("reading response: %w", err))
	}

	var env envelope
	var decodeErr error
	wrapped := false
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		decodeErr = json.Unmarshal(trimmed, &env)
		wrapped = decodeErr == nil && env.Code != nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		code := 0
		if decodeErr == nil {
			msg = failureMessage(env, msg)
			if env.Code != nil {
				code = *env.Code
			}
		}
		logger.Log.Warnf("Control plane rejected %s: %d %s", op, resp.StatusCode, msg)
		return reqErr(resp.StatusCode, code, msg, nil)
	}
	if decodeErr != nil {
		return reqErr(resp.StatusCode, 0, "malformed response", decodeErr)
	}

	data := env.Data
	switch {
	case !wrapped:
		// Bare payload without the envelope.
		data = body
	case *env.Code != CodeOK:
		msg := failureMessage(env, "request failed")
		logger.Log.Warnf("Control plane refused %s: code %d %s", op, *env.Code, msg)
		return reqErr(resp.StatusCode, *env.Code, msg, nil)
	}

	if out == nil || len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return reqErr(resp.StatusCode, CodeOK, "malformed response data", err)
	}
	return nil
}

func failureMessage(env envelope, fallback string) string {
	if env.Message != "" {
		return env.Message
	}
	if len(env.Detail) > 0 {
		var s string
		if err := json.Unmarshal(env.Detail, &s); err == nil {
			return s
		}
		return string(env.Detail)
	}
	return fallback
}

// IsRejected reports whether err is a RequestError the server answered.
func IsRejected(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Rejected()
}
