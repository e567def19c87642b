package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds one text:synthesize round trip.
const DefaultTimeout = 30 * time.Second

// Client performs a single POST against the synthesize endpoint. It never
// retries.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Synthesize posts payload and returns the decoded audio bytes.
func (c *Client) Synthesize(ctx context.Context, payload Payload, credential string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Msg: "encode request", Err: err}
	}

	target, err := c.requestURL(credential)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Msg: "build request", Err: stripURL(err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Msg: "API request failed", Err: stripURL(err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Msg: "read response", Err: stripURL(err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindRemoteService, Msg: "API request failed: " + remoteMessage(resp.StatusCode, data)}
	}

	var out synthesizeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &Error{Kind: KindMissingPayload, Msg: "malformed API response", Err: err}
	}
	if out.AudioContent == "" {
		return nil, &Error{Kind: KindMissingPayload, Msg: "audio content not found in API response"}
	}
	audioBytes, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return nil, &Error{Kind: KindMissingPayload, Msg: "audio content is not valid base64", Err: err}
	}
	return audioBytes, nil
}

func (c *Client) requestURL(credential string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", &Error{Kind: KindTransport, Msg: "invalid endpoint", Err: err}
	}
	q := u.Query()
	q.Set("key", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// remoteMessage prefers error.message. Any body without one, parseable or
// not, is reported raw with its status rather than as an unknown error.
func remoteMessage(status int, body []byte) string {
	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	return fmt.Sprintf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
}

// The credential travels in the query string, so *url.Error must not reach
// logs or callers with its URL attached.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
