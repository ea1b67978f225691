package caldav

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"caldavtasks/backend"
	"caldavtasks/internal/utils"
)

const (
	defaultTimeout = 30 * time.Second
	maxRedirects   = 5
)

// Client speaks WebDAV/CalDAV to one server account.
type Client struct {
	base      *url.URL // scheme://host, hrefs are resolved against it
	startPath string   // path given in the configured URL, used for discovery
	nextcloud bool
	username  string
	password  string
	http      *http.Client
	limiter   *rate.Limiter

	mu   sync.Mutex
	home string // calendar home path, set by Discover
}

// NewClient validates the connector config and prepares a client. No
// request is made.
func NewClient(cfg backend.ConnectorConfig) (*Client, error) {
	if cfg.URL == nil {
		return nil, fmt.Errorf("connector URL is nil")
	}
	if cfg.URL.Host == "" {
		return nil, fmt.Errorf("connector URL %q has no host", cfg.URL.String())
	}

	username, password := cfg.Username, cfg.Password
	if cfg.URL.User != nil {
		if username == "" {
			username = cfg.URL.User.Username()
		}
		if password == "" {
			password, _ = cfg.URL.User.Password()
		}
	}
	if username == "" {
		return nil, fmt.Errorf("no user credentials for %s", cfg.URL.Host)
	}

	// SECURITY: HTTPS unless plain HTTP was explicitly allowed
	scheme := "https"
	switch cfg.URL.Scheme {
	case "https":
	case "http":
		if !cfg.AllowHTTP {
			return nil, fmt.Errorf("plain HTTP is disabled for %s; set allow_http to use it", cfg.URL.Host)
		}
		scheme = "http"
	case "nextcloud", "caldav":
		if cfg.AllowHTTP {
			scheme = "http"
		}
	default:
		return nil, &backend.UnsupportedSchemeError{Scheme: cfg.URL.Scheme}
	}

	if scheme == "http" && !cfg.SuppressHTTPWarning {
		fmt.Fprintln(os.Stderr, "WARNING: HTTP connections transmit your username and password in PLAINTEXT.")
		fmt.Fprintln(os.Stderr, "         Only use HTTP for local testing on trusted networks.")
	}
	if cfg.InsecureSkipVerify && !cfg.SuppressSSLWarning {
		fmt.Fprintln(os.Stderr, "WARNING: TLS certificate verification is DISABLED.")
		fmt.Fprintln(os.Stderr, "         This makes you vulnerable to man-in-the-middle attacks.")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		base:      &url.URL{Scheme: scheme, Host: cfg.URL.Host},
		startPath: strings.TrimSuffix(cfg.URL.Path, "/"),
		nextcloud: cfg.URL.Scheme == "nextcloud",
		username:  username,
		password:  password,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
			Timeout: timeout,
			// WebDAV methods must survive redirects unchanged; do() follows them.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// Username returns the account the client authenticates as.
func (c *Client) Username() string {
	return c.username
}

// resolve turns a server-relative href into an absolute URL.
func (c *Client) resolve(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return c.base.String() + href
	}
	return c.base.ResolveReference(ref).String()
}

// do sends an authenticated request and follows redirects by re-issuing
// the same method and body.
func (c *Client) do(ctx context.Context, operation, method, href, body string, headers map[string]string) (*http.Response, error) {
	target := c.resolve(href)
	for hop := 0; ; hop++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.SetBasicAuth(c.username, c.password)
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		utils.Debugf("%s %s", method, target)
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, backend.NewBackendError(operation, 0, "request failed").WithError(err)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			location := resp.Header.Get("Location")
			_ = resp.Body.Close()
			if location == "" || hop >= maxRedirects {
				return nil, backend.NewBackendError(operation, resp.StatusCode, "too many or invalid redirects")
			}
			next, err := req.URL.Parse(location)
			if err != nil {
				return nil, backend.NewBackendError(operation, resp.StatusCode, "invalid redirect location").WithError(err)
			}
			target = next.String()
			continue
		}
		return resp, nil
	}
}

// checkHTTPResponse checks HTTP response status and returns appropriate errors
func checkHTTPResponse(resp *http.Response, operation string, allowedStatuses ...int) error {
	if len(allowedStatuses) > 0 {
		for _, status := range allowedStatuses {
			if resp.StatusCode == status {
				return nil
			}
		}
	} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch resp.StatusCode {
	case 401, 403:
		return backend.NewBackendError(operation, resp.StatusCode, "Authentication failed. Please check your username and password").
			WithBody(string(body))
	case 404:
		return backend.NewBackendError(operation, resp.StatusCode, "Resource not found").
			WithBody(string(body))
	case 405:
		return backend.NewBackendError(operation, resp.StatusCode, "Operation not allowed or resource already exists").
			WithBody(string(body))
	case 412:
		return backend.NewBackendError(operation, resp.StatusCode, "Resource was changed on the server").
			WithBody(string(body))
	case 429, 503:
		return backend.NewBackendError(operation, resp.StatusCode, "Server is busy, try again later").
			WithBody(string(body))
	default:
		return backend.NewBackendError(operation, resp.StatusCode, resp.Status).
			WithBody(string(body))
	}
}

func readBody(resp *http.Response, operation string) ([]byte, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, backend.NewBackendError(operation, 0, "failed to read response").WithError(err)
	}
	return data, nil
}

// propfind sends a PROPFIND and parses the multistatus answer.
func (c *Client) propfind(ctx context.Context, operation, href, depth, body string) (*multistatus, error) {
	headers := map[string]string{
		"Content-Type": "application/xml; charset=utf-8",
		"Depth":        depth,
	}
	resp, err := c.do(ctx, operation, "PROPFIND", href, body, headers)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkHTTPResponse(resp, operation, 207); err != nil {
		return nil, err
	}
	data, err := readBody(resp, operation)
	if err != nil {
		return nil, err
	}
	return parseMultistatus(data)
}

// report sends a REPORT with Depth 1 and parses the multistatus answer.
func (c *Client) report(ctx context.Context, operation, href, body string) (*multistatus, error) {
	headers := map[string]string{
		"Content-Type": "application/xml; charset=utf-8",
		"Depth":        "1",
	}
	resp, err := c.do(ctx, operation, "REPORT", href, body, headers)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkHTTPResponse(resp, operation, 207); err != nil {
		return nil, err
	}
	data, err := readBody(resp, operation)
	if err != nil {
		return nil, err
	}
	return parseMultistatus(data)
}
