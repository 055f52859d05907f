package tracking

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrResponseTooLarge is returned when a response body exceeds the client's
// read limit.
var ErrResponseTooLarge = errors.New("tracking response too large")

const defaultMaxResponseBytes = 32 << 20

// newHTTPClient builds the transport used when Options.HTTPClient is nil.
// Import workers share one client, so idle connections per host are sized
// for a full worker pool.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   32,
		},
	}
}

// parseTrackingURI validates a tracking server base URI. Credentials belong
// in the token, never in the URI.
func parseTrackingURI(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid tracking uri: %w", err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, fmt.Errorf("tracking uri %q: scheme must be http or https", raw)
	case u.Host == "":
		return nil, fmt.Errorf("tracking uri %q: host is required", raw)
	case u.User != nil:
		return nil, fmt.Errorf("tracking uri: userinfo is not allowed, use a token instead")
	case u.RawQuery != "" || u.Fragment != "":
		return nil, fmt.Errorf("tracking uri %q: query and fragment are not allowed", raw)
	}
	return u, nil
}

// isLocal reports whether u points at this machine.
func isLocal(u *url.URL) bool {
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// readBody reads at most limit bytes of a response body.
func readBody(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}
