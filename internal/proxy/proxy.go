// Package proxy holds the process-wide egress proxy policy and builds HTTP
// clients bound to a snapshot of it.
package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// Policy is an immutable proxy setting. A nil URL means direct connections.
type Policy struct {
	URL *url.URL
}

// String returns the proxy URL or "" for direct.
func (p Policy) String() string {
	if p.URL == nil {
		return ""
	}
	return p.URL.String()
}

// Enabled reports whether requests go through a proxy.
func (p Policy) Enabled() bool { return p.URL != nil }

// Parse validates raw and returns a Policy. An empty string is the direct policy.
func Parse(raw string) (Policy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Policy{}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Policy{}, fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return Policy{}, fmt.Errorf("proxy url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return Policy{}, fmt.Errorf("proxy url %q: host required", raw)
	}
	return Policy{URL: u}, nil
}

// Holder publishes the current Policy. Readers get a consistent snapshot;
// writers replace it whole.
type Holder struct {
	v atomic.Pointer[Policy]
}

// NewHolder returns a Holder starting at p.
func NewHolder(p Policy) *Holder {
	h := &Holder{}
	h.v.Store(&p)
	return h
}

// Get returns the current snapshot.
func (h *Holder) Get() Policy {
	if p := h.v.Load(); p != nil {
		return *p
	}
	return Policy{}
}

// Set parses raw and swaps it in. On error the previous policy stays.
func (h *Holder) Set(raw string) (Policy, error) {
	p, err := Parse(raw)
	if err != nil {
		return h.Get(), err
	}
	h.v.Store(&p)
	return p, nil
}

// NewClient returns an http.Client that routes both http and https requests
// through p for its whole lifetime.
func NewClient(p Policy, timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if p.URL != nil {
		fixed := *p.URL
		tr.Proxy = func(*http.Request) (*url.URL, error) { return &fixed, nil }
	} else {
		tr.Proxy = nil
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}
