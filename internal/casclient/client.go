// Package casclient is a typed HTTP client for the CAS protocol and REST endpoints.
package casclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/k0kubun/pp"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/ubuntu/decorate"
)

func init() {
	pp.ColoringEnabled = false
}

const defaultTimeout = 30 * time.Second

// Client talks to a single CAS server. It does not keep any cookie between requests.
type Client struct {
	baseURL string
	rc      *resty.Client
}

type options struct {
	insecure   bool
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a func that allows to override some of the client default settings.
type Option func(*options)

// WithInsecureSkipVerify disables TLS certificate verification, for self-signed test deployments.
func WithInsecureSkipVerify() Option {
	return func(o *options) {
		o.insecure = true
	}
}

// WithTimeout sets the timeout of every request.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHTTPClient makes the client send its requests through c. TLS options are then left to c.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// New returns a client for the CAS server rooted at baseURL, for instance https://localhost:8443/cas.
func New(baseURL string, args ...Option) (c *Client, err error) {
	defer decorate.OnError(&err, "could not create CAS client")

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute URL", baseURL)
	}

	opts := options{timeout: defaultTimeout}
	for _, arg := range args {
		arg(&opts)
	}

	var rc *resty.Client
	if opts.httpClient != nil {
		rc = resty.NewWithClient(opts.httpClient)
	} else {
		rc = resty.New()
		if opts.insecure {
			//nolint:gosec // Explicitly requested for test deployments with self-signed certificates.
			rc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
		}
	}
	rc.SetTimeout(opts.timeout)
	rc.SetLogger(restyLogger{})

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		rc:      rc,
	}, nil
}

// URL returns the absolute URL for path. Absolute URLs are returned unchanged.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

// HTTPClient returns the underlying HTTP client, sharing the TLS and timeout settings.
func (c *Client) HTTPClient() *http.Client {
	return c.rc.GetClient()
}

// Request describes a single call to the server.
type Request struct {
	Method string
	// Path is relative to the CAS base URL, or absolute.
	Path   string
	Query  url.Values
	Header map[string]string
	// Bearer, when set, is sent as an OAuth 2.0 bearer token.
	Bearer string
	// JSON is marshalled as the request body. It takes precedence over Form.
	JSON any
	Form url.Values
	// Expect lists the accepted status codes. It defaults to 200 only.
	Expect []int
}

// Response is what the server answered with an accepted status code.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("could not decode response body: %w", err)
	}
	return nil
}

// Do sends req. A transport failure or a status code not listed in req.Expect is returned as a *RequestError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := c.URL(req.Path)

	r := c.rc.R().SetContext(ctx).SetHeader("Accept", "application/json")
	for k, v := range req.Header {
		r.SetHeader(k, v)
	}
	if req.Bearer != "" {
		r.SetAuthToken(req.Bearer)
	}
	if req.Query != nil {
		r.SetQueryParamsFromValues(req.Query)
	}
	switch {
	case req.JSON != nil:
		r.SetHeader("Content-Type", "application/json").SetBody(req.JSON)
	case req.Form != nil:
		r.SetFormDataFromValues(req.Form)
	}

	res, err := r.Execute(method, target)
	if err != nil {
		return nil, &RequestError{Method: method, URL: target, Err: err}
	}

	log.Debugf(ctx, "%s %s: %d\n%s", method, target, res.StatusCode(), dump(res.Body()))

	resp := &Response{
		Status: res.StatusCode(),
		Header: res.Header(),
		Body:   res.Body(),
	}

	expect := req.Expect
	if len(expect) == 0 {
		expect = []int{http.StatusOK}
	}
	if !slices.Contains(expect, resp.Status) {
		return resp, &RequestError{Method: method, URL: target, Status: resp.Status, Body: string(resp.Body)}
	}

	return resp, nil
}

// RequestError is a request that failed in transport or was answered with an unexpected status.
type RequestError struct {
	Method string
	URL    string
	// Status is 0 when no response was received.
	Status int
	Body   string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %v", e.Method, e.URL, e.Err)
	}

	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s %s: unexpected status %d %s: %s", e.Method, e.URL, e.Status, http.StatusText(e.Status), body)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsStatus reports whether err is a *RequestError carrying the given status code.
func IsStatus(err error, status int) bool {
	var e *RequestError
	return errors.As(err, &e) && e.Status == status
}

// dump renders a JSON body for debug logs, or returns it verbatim if it is not JSON.
func dump(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return pp.Sprint(v)
}

// restyLogger forwards resty diagnostics to our logger.
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...any) {
	log.Errorf(context.Background(), "HTTP client: "+format, v...)
}

func (restyLogger) Warnf(format string, v ...any) {
	log.Warningf(context.Background(), "HTTP client: "+format, v...)
}

func (restyLogger) Debugf(format string, v ...any) {
	log.Debugf(context.Background(), "HTTP client: "+format, v...)
}
