// Package httpclient provides the outbound HTTP client used for webhook and
// notification delivery. Destination URLs come from operator configuration,
// so the client guards against SSRF: scheme allow-list, localhost/private IP
// blocking at both URL validation and dial time, bounded redirects.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Clukay-Fun/OmniAgent/errors"
)

// Client wraps http.Client with outbound destination validation.
type Client struct {
	*http.Client
	allowPrivate bool
	maxRedirects int
}

// Options customizes destination validation.
type Options struct {
	// AllowPrivate permits localhost and RFC 1918 destinations. Off by
	// default; tests and on-host integrations turn it on.
	AllowPrivate bool
	MaxRedirects int
}

// New creates an outbound client with a bounded overall timeout.
func New(timeout time.Duration, opts Options) *Client {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	c := &Client{
		Client:       &http.Client{Timeout: timeout},
		allowPrivate: opts.AllowPrivate,
		maxRedirects: opts.MaxRedirects,
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if !c.allowPrivate {
		// Re-validate at dial time so DNS rebinding cannot smuggle a
		// public hostname onto a private address
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if isBlockedIP(ip) {
						return nil, errors.Newf("blocked destination address: %s", ip)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:        50,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	return c
}

// Do executes a request after validating its destination.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

// ValidateURL parses and validates a destination URL string.
func (c *Client) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) validateURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Newf("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		// http://public.example@localhost/ style confusion
		return errors.New("URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if c.allowPrivate {
		return nil
	}
	if isLocalhostName(host) {
		return errors.New("localhost destination blocked")
	}
	if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
		return errors.Newf("blocked destination address: %s", host)
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}

func isLocalhostName(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".localhost")
}
