// Package httpclient wraps net/http for the provider layer. It performs a
// single attempt per request: the turn loop is the sole retry authority, so
// the client's job is to shape failures into classifiable errors rather
// than to recover from them.
package httpclient

import (
	"io"
	"net/http"
	"time"
)

type RateLimitInfo struct {
	RetryAfter            time.Duration
	ResetTime             int64
	RequestsRemaining     int
	InputTokensRemaining  int
	OutputTokensRemaining int
	TokensRemaining       int
}

type RateLimitHeaderParser func(http.Header) RateLimitInfo

type Client struct {
	client       *http.Client
	headerParser RateLimitHeaderParser
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) {
		c.headerParser = parser
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client: &http.Client{Timeout: 120 * time.Second},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Do executes the request once. Transport failures come back as
// *TransportError; non-2xx responses are drained and come back as
// *StatusError carrying the body and any rate-limit headers. A non-nil
// response is only returned on 2xx, with its body still open.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	var rateLimit RateLimitInfo
	if c.headerParser != nil {
		rateLimit = c.headerParser(resp.Header)
	}

	return nil, &StatusError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		RateLimit:  rateLimit,
	}
}
