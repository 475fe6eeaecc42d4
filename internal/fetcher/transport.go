package fetcher

import (
	"net/http"
	"sync"
	"time"

	"origami_catalog/internal/config"
)

// trustTransport rebuilds its underlying transport whenever the trust root
// is reloaded, so new connections always verify against the current pool.
type trustTransport struct {
	trust *config.TrustRoot

	mu         sync.Mutex
	generation uint64
	current    *http.Transport
}

// NewTransport returns a RoundTripper that verifies TLS against trust.
func NewTransport(trust *config.TrustRoot) http.RoundTripper {
	return &trustTransport{trust: trust}
}

// NewHTTPClient returns an http.Client bound to the trust root with the given timeout.
func NewHTTPClient(trust *config.TrustRoot, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: NewTransport(trust),
		Timeout:   timeout,
	}
}

func (t *trustTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.transport().RoundTrip(req)
}

func (t *trustTransport) transport() *http.Transport {
	gen := t.trust.Generation()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil && t.generation == gen {
		return t.current
	}

	if t.current != nil {
		t.current.CloseIdleConnections()
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = t.trust.TLSConfig()
	t.current = base
	t.generation = gen
	return base
}
