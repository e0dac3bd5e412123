/*
Package rest provides the session-oriented HTTP engine used to talk to the
brokerage gateway. It owns the request pipeline: URL composition, nil-entry
elision, header signing, sending, response classification, bounded retries
on transient I/O failures, and JSON decoding into a Result.
*/
package rest

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"bgw-sdk-go/logger"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
)

// HeaderProvider computes the authentication headers for one request. The
// OAuth signer implements it; a nil provider means no signing.
type HeaderProvider interface {
	Headers(method, requestURL string) (map[string]string, error)
}

// ClientParams contains options for creating a Client.
type ClientParams struct {
	// BaseURL is the gateway base URL; a trailing slash is appended when
	// missing.
	BaseURL string

	// Cacert is the path to a CA certificate bundle used to verify the
	// gateway. When empty, certificate verification is disabled, which is the
	// norm for the self-signed local gateway.
	Cacert string

	// Timeout bounds every request attempt. Defaults to DefaultTimeout.
	Timeout time.Duration

	// MaxRetries is how many extra attempts are made after a transient I/O
	// failure. Defaults to DefaultMaxRetries; set to a negative value for
	// zero retries.
	MaxRetries int

	// UseSession keeps a single reusable HTTP client with pooled
	// connections. When false a fresh client is built per request.
	UseSession bool

	// AutoRegisterShutdown installs a SIGINT/SIGTERM handler that closes the
	// client exactly once.
	AutoRegisterShutdown bool

	// LogResponses logs response bodies at debug level.
	LogResponses bool

	// HeaderProvider, if set, signs every outgoing request.
	HeaderProvider HeaderProvider
}

// Client is the REST engine. It is safe for concurrent use; the reusable
// HTTP client is only rebuilt under an internal lock after a connection
// reset.
type Client struct {
	params  ClientParams
	baseURL string

	mtx        sync.Mutex // guards httpClient rebuilds
	httpClient *http.Client

	closeOnce sync.Once
	closeHook func()

	log *logrus.Entry
}

// NewClient creates a new REST engine. It validates the CA certificate path
// and, when session reuse is on, builds the shared HTTP client up front.
func NewClient(params ClientParams) (*Client, error) {
	if params.BaseURL == "" {
		return nil, errors.New("rest: BaseURL must not be empty")
	}
	if params.Timeout == 0 {
		params.Timeout = DefaultTimeout
	}
	if params.MaxRetries == 0 {
		params.MaxRetries = DefaultMaxRetries
	} else if params.MaxRetries < 0 {
		params.MaxRetries = 0
	}

	if params.Cacert != "" {
		if _, err := os.Stat(params.Cacert); err != nil {
			return nil, errors.Annotatef(err, "rest: cacert must be a readable path")
		}
	}

	c := &Client{
		params:  params,
		baseURL: params.BaseURL,
		log:     logger.WithComponent("rest"),
	}
	if !strings.HasSuffix(c.baseURL, "/") {
		c.baseURL += "/"
	}

	if params.UseSession {
		hc, err := c.newHTTPClient()
		if err != nil {
			return nil, errors.Trace(err)
		}
		c.httpClient = hc
	}

	if params.AutoRegisterShutdown {
		c.registerShutdownHandler()
	}

	return c, nil
}

// BaseURL returns the normalized base URL, always ending with a slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetHeaderProvider installs the signing hook. It must be called before the
// client is shared between goroutines.
func (c *Client) SetHeaderProvider(hp HeaderProvider) {
	c.params.HeaderProvider = hp
}

// OnClose registers extra work to run when the client closes, ahead of the
// connection-pool teardown.
func (c *Client) OnClose(hook func()) {
	c.closeHook = hook
}

func (c *Client) newHTTPClient() (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: true} //nolint:gosec // local gateway uses a self-signed cert
	if c.params.Cacert != "" {
		pem, err := os.ReadFile(c.params.Cacert)
		if err != nil {
			return nil, errors.Annotatef(err, "reading cacert")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", c.params.Cacert)
		}
		tlsConfig = &tls.Config{RootCAs: pool}
	}

	return &http.Client{
		Timeout: c.params.Timeout,
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
		},
	}, nil
}

// resetSession closes the current reusable client and builds a fresh one.
// Called after a connection reset; single-writer via c.mtx.
func (c *Client) resetSession() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	hc, err := c.newHTTPClient()
	if err != nil {
		c.log.WithError(err).Error("rebuilding HTTP session failed")
		c.httpClient = nil
		return
	}
	c.httpClient = hc
}

func (c *Client) currentHTTPClient() (*http.Client, error) {
	if c.params.UseSession {
		c.mtx.Lock()
		hc := c.httpClient
		c.mtx.Unlock()
		if hc != nil {
			return hc, nil
		}
	}
	return c.newHTTPClient()
}

// Opt modifies a single request.
type Opt func(*requestOptions)

type requestOptions struct {
	params       map[string]interface{}
	jsonBody     map[string]interface{}
	extraHeaders map[string]string
	baseURL      string
	silent       bool
}

// WithParams attaches query parameters; nil-valued entries are elided
// recursively before encoding.
func WithParams(params map[string]interface{}) Opt {
	return func(o *requestOptions) { o.params = params }
}

// WithJSON attaches a JSON body; nil-valued entries are elided recursively
// before serialization.
func WithJSON(body map[string]interface{}) Opt {
	return func(o *requestOptions) { o.jsonBody = body }
}

// WithHeaders attaches extra headers. Signer-produced headers of the same
// name win.
func WithHeaders(headers map[string]string) Opt {
	return func(o *requestOptions) { o.extraHeaders = headers }
}

// WithBaseURL overrides the client base URL for this request.
func WithBaseURL(baseURL string) Opt {
	return func(o *requestOptions) { o.baseURL = baseURL }
}

// Silent suppresses per-request logging, e.g. for keep-alive noise.
func Silent() Opt {
	return func(o *requestOptions) { o.silent = true }
}

// Get sends a GET request to the given endpoint.
func (c *Client) Get(endpoint string, opts ...Opt) (Result, error) {
	return c.Request(http.MethodGet, endpoint, opts...)
}

// Post sends a POST request to the given endpoint.
func (c *Client) Post(endpoint string, opts ...Opt) (Result, error) {
	return c.Request(http.MethodPost, endpoint, opts...)
}

// Delete sends a DELETE request to the given endpoint.
func (c *Client) Delete(endpoint string, opts ...Opt) (Result, error) {
	return c.Request(http.MethodDelete, endpoint, opts...)
}

// Request sends an HTTP request, retrying on transient I/O failures up to
// MaxRetries extra attempts. Connection resets additionally rebuild the
// reusable HTTP client before the retry.
func (c *Client) Request(method, endpoint string, opts ...Opt) (Result, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	baseURL := c.baseURL
	if o.baseURL != "" {
		baseURL = o.baseURL
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
	}

	requestURL := baseURL + strings.TrimLeft(endpoint, "/")

	params := FilterNone(o.params)
	if len(params) > 0 {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, paramString(v))
		}
		sep := "?"
		if strings.Contains(requestURL, "?") {
			sep = "&"
		}
		requestURL += sep + query.Encode()
	}

	jsonBody := FilterNone(o.jsonBody)
	var bodyBytes []byte
	if o.jsonBody != nil {
		var err error
		bodyBytes, err = json.Marshal(jsonBody)
		if err != nil {
			return Result{}, errors.Annotatef(err, "encoding request body")
		}
	}

	headers := map[string]string{}
	for k, v := range o.extraHeaders {
		headers[k] = v
	}
	if c.params.HeaderProvider != nil {
		signed, err := c.params.HeaderProvider.Headers(method, requestURL)
		if err != nil {
			return Result{}, errors.Trace(err)
		}
		// Signer headers override caller-supplied ones of the same name.
		for k, v := range signed {
			headers[k] = v
		}
	}

	envelope := Request{
		ID:      uuid.NewString(),
		Method:  method,
		URL:     requestURL,
		Params:  params,
		JSON:    jsonBody,
		Headers: headers,
	}

	var lastErr error
	for attempt := 0; attempt <= c.params.MaxRetries; attempt++ {
		if !o.silent {
			entry := c.log.WithFields(logrus.Fields{"request_id": envelope.ID, "method": method, "url": requestURL})
			if attempt > 0 {
				entry = entry.WithField("attempt", attempt)
			}
			entry.Info("request")
		}

		result, err := c.send(method, requestURL, bodyBytes, headers, envelope)
		if err == nil {
			return result, nil
		}

		switch {
		case isTimeout(err):
			lastErr = err
			if !o.silent {
				c.log.WithField("request_id", envelope.ID).Infof(
					"timeout for %s %s, retrying attempt %d/%d", method, requestURL, attempt+1, c.params.MaxRetries)
			}
			continue

		case isConnectionReset(err):
			lastErr = err
			c.log.WithField("request_id", envelope.ID).Warnf(
				"connection reset for %s %s, rebuilding session and retrying attempt %d/%d",
				method, requestURL, attempt+1, c.params.MaxRetries)
			if c.params.UseSession {
				c.resetSession()
			}
			continue

		default:
			return Result{Request: envelope}, errors.Trace(err)
		}
	}

	return Result{Request: envelope}, &TimeoutError{
		Method:     method,
		URL:        requestURL,
		MaxRetries: c.params.MaxRetries,
		Cause:      lastErr,
	}
}

func (c *Client) send(method, requestURL string, body []byte, headers map[string]string, envelope Request) (Result, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, requestURL, reader)
	if err != nil {
		return Result{}, NewExternalBrokerError(0, "building request for %s %s: %v", method, requestURL, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	hc, err := c.currentHTTPClient()
	if err != nil {
		return Result{}, errors.Trace(err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		// Returned untraced so the retry loop can classify the transport
		// error (timeout vs connection reset vs fatal).
		return Result{}, err
	}
	defer resp.Body.Close()

	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, errors.Trace(err)
	}

	if c.params.LogResponses {
		c.log.WithField("request_id", envelope.ID).Debugf("response %d: %s", resp.StatusCode, contents)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		excerpt := string(contents)
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(excerpt, "Bad Request: no bridge") {
			return Result{}, NewExternalBrokerError(resp.StatusCode,
				"gateway returned 400 Bad Request: no bridge; call InitializeBrokerageSession first")
		}
		return Result{}, NewExternalBrokerError(resp.StatusCode, "%s %s failed: %s", method, requestURL, excerpt)
	}

	result := Result{Request: envelope}
	if len(bytes.TrimSpace(contents)) == 0 {
		return result, nil
	}

	if err := json.Unmarshal(contents, &result.Data); err != nil {
		return Result{}, NewExternalBrokerError(resp.StatusCode, "gateway returned invalid JSON: %v", err)
	}

	return result, nil
}

// Close releases the connection pool. It is safe to call repeatedly; only
// the first call has an effect.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.closeHook != nil {
			c.closeHook()
		}
		c.mtx.Lock()
		if c.httpClient != nil {
			c.httpClient.CloseIdleConnections()
			c.httpClient = nil
		}
		c.mtx.Unlock()
		c.log.Info("client closed")
	})
}

func (c *Client) registerShutdownHandler() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		c.Close()
	}()
}

func paramString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, ",")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	if stderrors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "Client.Timeout exceeded")
}

func isConnectionReset(err error) bool {
	if stderrors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}
