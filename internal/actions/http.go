package actions

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// HTTPConfig configures the http action.
type HTTPConfig struct {
	// BaseURL is prepended to relative urls, so steps can address a router
	// by path ("/deploy") instead of a full address.
	BaseURL         string
	Headers         map[string]string
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "query": {"type": "object"},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "accept_status": {"type": "array", "items": {"type": "integer"}}
  },
  "required": ["url"]
}`

const httpOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "duration_ms": {"type": "integer"}
  }
}`

// HTTPAction implements the "http" action kind: one request against the
// configured router or an absolute url. Non-2xx responses fail the attempt.
type HTTPAction struct {
	config HTTPConfig
}

// NewHTTPAction creates the http action.
func NewHTTPAction(cfg HTTPConfig) *HTTPAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPAction{config: cfg}
}

func (a *HTTPAction) Name() string { return schema.ActionKindHTTP }

func (a *HTTPAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Send an HTTP request to the action router or an absolute url.",
		InputSchema:  json.RawMessage(httpInputSchema),
		OutputSchema: json.RawMessage(httpOutputSchema),
	}
}

func (a *HTTPAction) Validate(input map[string]any) error {
	_, err := a.target(input)
	return err
}

func (a *HTTPAction) target(params map[string]any) (*url.URL, error) {
	raw := stringParam(params, "url", "")
	if raw == "" {
		return nil, invalidParams("http", "missing required param 'url'")
	}
	if a.config.BaseURL != "" && strings.HasPrefix(raw, "/") {
		raw = strings.TrimRight(a.config.BaseURL, "/") + raw
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, invalidParams("http", "invalid url %q", raw)
	}
	if q := mapParam(params, "query"); len(q) > 0 {
		values := u.Query()
		for k, v := range q {
			values.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = values.Encode()
	}
	return u, nil
}

func (a *HTTPAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	target, err := a.target(params)
	if err != nil {
		return nil, err
	}
	timeout, err := durationParam(params, "timeout", a.config.DefaultTimeout)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	body, contentType, err := encodeBody(params)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target.String(), body)
	if err != nil {
		return nil, invalidParams("http", "build request: %v", err).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
	if hm := mapParam(params, "headers"); hm != nil {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if id := contextString(input, "execution_id"); id != "" {
		req.Header.Set("X-Opflow-Execution", id)
	}
	if id := contextString(input, "step_id"); id != "" {
		req.Header.Set("X-Opflow-Step", id)
	}
	applyAuth(req, mapParam(params, "auth"))

	start := time.Now()
	resp, err := a.client(params).Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http: request timed out after %s", timeout).WithCause(err)
		}
		return nil, failure("http", "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, failure("http", "read response body: %v", err).WithCause(err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        decodeBody(bodyBytes, resp.Header.Get("Content-Type")),
		"duration_ms": elapsed.Milliseconds(),
	}

	if err := statusError(resp.StatusCode, params); err != nil {
		return nil, err.WithDetails(result)
	}
	return jsonOutput("http", result)
}

func (a *HTTPAction) client(params map[string]any) *http.Client {
	base := a.config.Client
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	if boolParam(params, "tls_skip_verify", false) {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		client.Transport = transport
	}
	if !boolParam(params, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return &client
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	raw, ok := params["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		form, ok := raw.(map[string]any)
		if !ok {
			return nil, "", invalidParams("http", "form body must be an object")
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(raw)), "text/plain", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeSerialization, "http: marshal body").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func decodeBody(b []byte, contentType string) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}

func applyAuth(req *http.Request, auth map[string]any) {
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

// statusError classifies a response status: 2xx and accepted codes pass,
// 408/429/5xx are retryable, other 4xx are not.
func statusError(code int, params map[string]any) *schema.OpflowError {
	if accepted, ok := params["accept_status"].([]any); ok {
		for _, c := range accepted {
			if intParam(map[string]any{"c": c}, "c", -1) == code {
				return nil
			}
		}
	}
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return schema.NewErrorf(schema.ErrCodeRateLimited, "http: server returned %d", code)
	case code == http.StatusRequestTimeout || code >= 500:
		return failure("http", "server returned %d", code)
	default:
		return invalidParams("http", "server returned %d", code)
	}
}
