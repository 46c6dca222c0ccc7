// Package media downloads remote media bytes for submissions.
//
// The Fetcher wraps hashicorp/go-retryablehttp: connection errors and 5xx
// responses are retried with backoff, every attempt shares one overall
// timeout, and bodies larger than the configured maximum are refused. All
// failures surface as *FetchError so callers can treat them uniformly as
// transient I/O.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tbourn/go-cave-backend/internal/observability"
)

var (
	// ErrTooLarge is wrapped by FetchError when the body exceeds MaxBytes.
	ErrTooLarge = errors.New("media: body too large")
	// ErrUnsupportedScheme is wrapped by FetchError for anything but http(s).
	ErrUnsupportedScheme = errors.New("media: only http and https urls are fetched")
	// ErrBlockedAddress is wrapped by FetchError when the host resolves to a
	// loopback, private, link-local or otherwise non-public address.
	ErrBlockedAddress = errors.New("media: destination address not allowed")
)

// FetchError is returned for every failed download.
type FetchError struct {
	URL    string
	Status int // 0 when no response was received
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Options tune a Fetcher. Zero values take the defaults of NewFetcher.
type Options struct {
	Timeout      time.Duration
	MaxBytes     int64
	Retries      int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Transport replaces the default guarded transport; the address guard
	// is then the caller's concern.
	Transport http.RoundTripper
	// AllowPrivate lets the default transport dial non-public addresses.
	AllowPrivate bool
}

// Fetcher downloads media over HTTP(S).
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// leveledZerolog adapts zerolog to retryablehttp. Intermediate failures are
// logged at warn because they will be retried.
type leveledZerolog struct{ l zerolog.Logger }

func (z leveledZerolog) Error(msg string, kv ...interface{}) { z.l.Warn().Fields(kv).Msg(msg) }
func (z leveledZerolog) Warn(msg string, kv ...interface{})  { z.l.Warn().Fields(kv).Msg(msg) }
func (z leveledZerolog) Info(msg string, kv ...interface{})  { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledZerolog) Debug(msg string, kv ...interface{}) { z.l.Debug().Fields(kv).Msg(msg) }

// NewFetcher builds a retrying client. Defaults: 15s timeout, 20 MiB limit,
// 2 retries waiting 200ms..2s.
func NewFetcher(o Options) *Fetcher {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 20 << 20
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryWaitMin <= 0 {
		o.RetryWaitMin = 200 * time.Millisecond
	}
	if o.RetryWaitMax <= 0 {
		o.RetryWaitMax = 2 * time.Second
	}
	if o.Transport == nil {
		tr := cleanhttp.DefaultPooledTransport()
		if !o.AllowPrivate {
			d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second, Control: publicOnly}
			tr.DialContext = d.DialContext
		}
		o.Transport = otelhttp.NewTransport(tr)
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Transport = o.Transport
	rc.RetryMax = o.Retries
	rc.RetryWaitMin = o.RetryWaitMin
	rc.RetryWaitMax = o.RetryWaitMax
	rc.Logger = retryablehttp.LeveledLogger(leveledZerolog{l: log.With().Str("subsystem", "media-fetch").Logger()})
	rc.CheckRetry = retryPolicy

	// The inner client follows redirects; the outer one never sees a 3xx.
	rc.HTTPClient.CheckRedirect = checkRedirect

	client := rc.StandardClient()
	client.Timeout = o.Timeout
	return &Fetcher{client: client, maxBytes: o.MaxBytes}
}

// publicOnly is a net.Dialer Control hook. It runs after DNS resolution, so
// it sees the address actually dialed, redirects included.
func publicOnly(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	if !publicAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ap.Addr())
	}
	return nil
}

var sharedCGNAT = netip.MustParsePrefix("100.64.0.0/10")

func publicAddr(a netip.Addr) bool {
	a = a.Unmap()
	switch {
	case !a.IsValid(), a.IsUnspecified(), a.IsLoopback(), a.IsPrivate(),
		a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast(), a.IsInterfaceLocalMulticast(),
		a.IsMulticast(), sharedCGNAT.Contains(a):
		return false
	}
	return true
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 5 {
		return errors.New("media: too many redirects")
	}
	return checkScheme(req.URL)
}

func checkScheme(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return nil
}

// retryPolicy does not retry 4xx; a missing or forbidden file stays missing.
// Refused destinations are not retried either.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if errors.Is(err, ErrBlockedAddress) || errors.Is(err, ErrUnsupportedScheme) {
		return false, err
	}
	if err == nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Fetch downloads rawURL and returns its body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (data []byte, err error) {
	start := time.Now()
	defer func() { observability.ObserveFetch(time.Since(start), err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if err := checkScheme(req.URL); err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &FetchError{URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	if resp.ContentLength > f.maxBytes {
		return nil, &FetchError{URL: rawURL, Err: ErrTooLarge}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &FetchError{URL: rawURL, Err: ErrTooLarge}
	}
	return body, nil
}
