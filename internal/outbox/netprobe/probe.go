// Package netprobe answers "is the backend reachable right now?".
package netprobe

import (
	"context"
	"net"
	"sync"
	"time"
)

// Prober checks connectivity by dialing a TCP address.
//
// An empty address means no probe target is configured and the device is
// assumed online. Results are cached for CacheFor so hot loops do not dial
// on every call.
type Prober struct {
	Address  string
	Timeout  time.Duration
	CacheFor time.Duration

	// Dial defaults to a net.Dialer. Tests may replace it.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	mu      sync.Mutex
	checked time.Time
	online  bool
}

// New creates a Prober for address with a 2s dial timeout and 1s cache.
func New(address string) *Prober {
	return &Prober{
		Address:  address,
		Timeout:  2 * time.Second,
		CacheFor: time.Second,
	}
}

// IsOnline reports the cached or freshly probed connectivity state.
func (p *Prober) IsOnline() bool {
	if p.Address == "" {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.checked.IsZero() && time.Since(p.checked) < p.CacheFor {
		return p.online
	}
	p.online = p.probe()
	p.checked = time.Now()
	return p.online
}

// Invalidate drops the cached result so the next IsOnline dials again.
func (p *Prober) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checked = time.Time{}
}

func (p *Prober) probe() bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	dial := p.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Static is a fixed connectivity answer.
type Static bool

// IsOnline implements the connectivity check.
func (s Static) IsOnline() bool { return bool(s) }
