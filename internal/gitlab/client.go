package gitlab

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tomnomnom/linkheader"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"tokenexporter.org/internal/obs"
)

const (
	apiPrefix      = "/api/v4"
	defaultPerPage = "100"
	maxErrorBody   = 512
)

// ErrUnexpectedStatus is wrapped by every non-2xx answer from GitLab.
var ErrUnexpectedStatus = errors.New("gitlab: unexpected status")

// StatusError carries the failing request and a truncated body.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s: %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Options configures a Client.
type Options struct {
	// Hostname is either a bare host ("gitlab.example.com") or a base URL with scheme.
	Hostname           string
	Token              string
	MaxConcurrent      int
	RequestsPerSecond  float64
	Timeout            time.Duration
	AcceptInvalidCerts bool
	UserAgent          string
	Logger             *zap.SugaredLogger
}

// Client talks to the GitLab REST API. Every outbound request, whatever the
// caller, holds one slot of a shared weighted semaphore while in flight.
type Client struct {
	base      *url.URL
	token     string
	userAgent string
	http      *http.Client
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	log       *zap.SugaredLogger
}

// NewClient builds a client with its own transport.
func NewClient(opts Options) (*Client, error) {
	base, err := baseURL(opts.Hostname)
	if err != nil {
		return nil, err
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "gitlab-token-exporter"
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = opts.MaxConcurrent
	if opts.AcceptInvalidCerts {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via ACCEPT_INVALID_CERTS
	}

	c := &Client{
		base:      base,
		token:     opts.Token,
		userAgent: opts.UserAgent,
		http:      &http.Client{Transport: transport, Timeout: opts.Timeout},
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		log:       opts.Logger.Named("gitlab"),
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c, nil
}

// HTTPClient exposes the underlying client, mainly so tests can intercept it.
func (c *Client) HTTPClient() *http.Client { return c.http }

func baseURL(hostname string) (*url.URL, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return nil, errors.New("gitlab: empty hostname")
	}
	if !strings.Contains(hostname, "://") {
		hostname = "https://" + hostname
	}
	u, err := url.Parse(strings.TrimRight(hostname, "/"))
	if err != nil {
		return nil, fmt.Errorf("gitlab: parse hostname: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("gitlab: no host in %q", hostname)
	}
	return u, nil
}

// endpoint builds an absolute API URL for path with the given query.
func (c *Client) endpoint(path string, query url.Values) string {
	u := c.base.JoinPath(apiPrefix, path)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

type page struct {
	body []byte
	next string
}

// get performs one GET under the concurrency budget and returns the body plus
// the rel="next" link, if any.
func (c *Client) get(ctx context.Context, rawURL string) (page, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return page{}, err
		}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return page{}, err
	}
	defer c.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return page{}, err
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	done := obs.GitLabRequestStarted()
	resp, err := c.http.Do(req)
	if err != nil {
		done(0, err)
		return page{}, fmt.Errorf("GET %s: %w", redact(rawURL), err)
	}
	defer resp.Body.Close()
	done(resp.StatusCode, nil)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Debugw("gitlab request failed", "url", redact(rawURL), "status", resp.StatusCode)
		return page{}, &StatusError{URL: redact(rawURL), StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return page{}, fmt.Errorf("GET %s: read body: %w", redact(rawURL), err)
	}

	var next string
	if links := linkheader.Parse(resp.Header.Get("Link")).FilterByRel("next"); len(links) > 0 {
		next = links[0].URL
	}
	c.log.Debugw("gitlab request", "url", redact(rawURL), "status", resp.StatusCode, "has_next", next != "")
	return page{body: body, next: next}, nil
}

// redact masks a private_token query parameter before a URL reaches logs or errors.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("private_token") {
		q.Set("private_token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
