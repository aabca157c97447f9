// Package network reports reachability transitions on the bus.
package network

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/tripsync/bus"
	"github.com/abdelmounim-dev/tripsync/log"
)

const (
	QualityUnknown  = "unknown"
	QualityWifi     = "wifi"
	QualityCellular = "cellular"

	defaultProbeInterval = 10 * time.Second
	defaultDialTimeout   = 3 * time.Second
)

// Observer reports the last known reachability.
type Observer interface {
	Online() bool
}

// state publishes bus.Reachability only when online changes.
type state struct {
	mu      sync.Mutex
	online  bool
	known   bool
	quality string
	bus     *bus.Bus
}

func (s *state) set(online bool, quality string) bool {
	s.mu.Lock()
	changed := !s.known || s.online != online
	s.online, s.known, s.quality = online, true, quality
	s.mu.Unlock()

	if changed && s.bus != nil {
		bus.Publish(s.bus, bus.Reachability, bus.ReachabilityEvent{Online: online, Quality: quality})
	}
	return changed
}

func (s *state) get() (online, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online, s.known
}

// ManualObserver is driven by the embedding application, for example from
// the platform's connectivity callbacks.
type ManualObserver struct {
	st state
}

func NewManualObserver(b *bus.Bus) *ManualObserver {
	return &ManualObserver{st: state{bus: b}}
}

// Set records a reachability sample and publishes it if it is a transition.
func (o *ManualObserver) Set(online bool, quality string) {
	if quality == "" {
		quality = QualityUnknown
	}
	o.st.set(online, quality)
}

// Online reports true until a sample says otherwise.
func (o *ManualObserver) Online() bool {
	online, known := o.st.get()
	return online || !known
}

// ProbeObserver infers reachability by opening a TCP connection to the
// backend on an interval. It cannot tell wifi from cellular.
type ProbeObserver struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	logger   zerolog.Logger
	st       state
}

type ProbeOption func(*ProbeObserver)

func WithInterval(d time.Duration) ProbeOption {
	return func(o *ProbeObserver) {
		if d > 0 {
			o.interval = d
		}
	}
}

func WithLogger(l zerolog.Logger) ProbeOption {
	return func(o *ProbeObserver) { o.logger = l }
}

func NewProbeObserver(addr string, b *bus.Bus, opts ...ProbeOption) *ProbeObserver {
	o := &ProbeObserver{
		addr:     addr,
		interval: defaultProbeInterval,
		timeout:  defaultDialTimeout,
		logger:   log.WithComponent("network"),
		st:       state{bus: b},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.dial = (&net.Dialer{Timeout: o.timeout}).DialContext
	return o
}

// Probe dials the backend once and records the result.
func (o *ProbeObserver) Probe(ctx context.Context) bool {
	conn, err := o.dial(ctx, "tcp", o.addr)
	online := err == nil
	if online {
		conn.Close()
	}
	if o.st.set(online, QualityUnknown) {
		ev := o.logger.Info().Str("addr", o.addr).Bool("online", online)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("reachability changed")
	}
	return online
}

func (o *ProbeObserver) Online() bool {
	online, known := o.st.get()
	return online || !known
}

// Run probes immediately and then every interval until ctx is done.
func (o *ProbeObserver) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Probe(ctx)
		}
	}
}

// AddrFromURL returns the host:port a channel URL connects to.
func AddrFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
