package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBody = 1 << 20

// HTTPClient is the JSON transport shared by adapters. It maps transport and
// status failures onto the error taxonomy.
type HTTPClient struct {
	provider string
	baseURL  string
	client   *http.Client
}

// NewHTTPClient builds the transport for one provider. A shared hc keeps its
// connection pool but takes this provider's timeout.
func NewHTTPClient(provider, baseURL string, timeout time.Duration, hc *http.Client) *HTTPClient {
	switch {
	case hc == nil:
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	case timeout > 0:
		scoped := *hc
		scoped.Timeout = timeout
		hc = &scoped
	}
	return &HTTPClient{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   hc,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Do sends body as JSON and decodes a 2xx response into out. The raw response
// body is returned for diagnostics in every case where one was read.
func (c *HTTPClient) Do(ctx context.Context, method, path string, headers http.Header, body, out interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, InvalidRequest(c.provider, fmt.Sprintf("failed to encode request: %v", err))
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, InvalidRequest(c.provider, fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Unreachable(c.provider, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, Unreachable(c.provider, err)
	}
	raw := rawJSON(data)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, c.statusError(resp.StatusCode, data, raw)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			// the request was accepted but the answer is unreadable, so the
			// outcome is unknown until verified
			e := Unreachable(c.provider, fmt.Errorf("undecodable response: %w", err))
			e.StatusCode = resp.StatusCode
			e.Raw = raw
			return raw, e
		}
	}
	return raw, nil
}

func (c *HTTPClient) statusError(status int, data []byte, raw json.RawMessage) error {
	msg := providerMessage(data)
	if msg == "" {
		msg = http.StatusText(status)
	}

	var kind ErrorKind
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		kind = KindUnreachable
	case status == http.StatusPaymentRequired, status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		kind = KindRejected
	default:
		kind = KindInvalidRequest
	}

	return &Error{
		Kind:       kind,
		Provider:   c.provider,
		Message:    msg,
		StatusCode: status,
		Raw:        raw,
	}
}

// providerMessage extracts a human readable message from common error body shapes.
func providerMessage(data []byte) string {
	var body struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
		Reason  string          `json:"reason"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	if body.Reason != "" {
		return body.Reason
	}
	if len(body.Error) > 0 {
		var s string
		if json.Unmarshal(body.Error, &s) == nil {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body.Error, &nested) == nil {
			return nested.Message
		}
	}
	return ""
}

func rawJSON(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}
