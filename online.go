package patches

import (
	"net"
	"sync"
	"time"
)

// OnlineState is the platform-provided network-reachability observable
// of §6.3. Re-architected per §9's design note as an explicit
// collaborator injected into the sync engine at construction, rather
// than a process-wide singleton.
type OnlineState interface {
	// IsOnline reports the last known reachability state.
	IsOnline() bool
	// OnChange registers a listener invoked whenever reachability
	// changes. Returns an unsubscribe handle.
	OnChange(listener func(online bool)) Unsubscribe
}

// StaticOnlineState is a fixed OnlineState for tests and for hosts with
// no reachability signal of their own; it never fires OnChange.
type StaticOnlineState bool

func (s StaticOnlineState) IsOnline() bool { return bool(s) }

func (s StaticOnlineState) OnChange(func(bool)) Unsubscribe { return func() {} }

// ManualOnlineState is an OnlineState a caller drives explicitly, used
// by tests that need to simulate connectivity drops (§8 scenarios).
type ManualOnlineState struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	nextID    int
}

// NewManualOnlineState constructs a ManualOnlineState starting in the
// given state.
func NewManualOnlineState(online bool) *ManualOnlineState {
	return &ManualOnlineState{online: online, listeners: make(map[int]func(bool))}
}

func (s *ManualOnlineState) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *ManualOnlineState) OnChange(listener func(bool)) Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Set updates the reachability state, firing OnChange listeners if it
// actually changed.
func (s *ManualOnlineState) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	listeners := make([]func(bool), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(online)
	}
}

// DefaultOnlineState probes reachability by periodically dialing a
// target address, since Go has no cross-platform OS-level reachability
// signal the way a browser's navigator.onLine does. It starts assuming
// online until the first probe completes.
type DefaultOnlineState struct {
	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	nextID    int

	target   string
	interval time.Duration
	timeout  time.Duration
	stop     chan struct{}
	dial     func(network, address string, timeout time.Duration) (net.Conn, error)
}

// DefaultOnlineStateOption configures a DefaultOnlineState.
type DefaultOnlineStateOption func(*DefaultOnlineState)

// WithProbeTarget overrides the dialed address (default "8.8.8.8:53").
func WithProbeTarget(addr string) DefaultOnlineStateOption {
	return func(s *DefaultOnlineState) { s.target = addr }
}

// WithProbeInterval overrides how often reachability is re-checked
// (default 15s).
func WithProbeInterval(d time.Duration) DefaultOnlineStateOption {
	return func(s *DefaultOnlineState) { s.interval = d }
}

// NewDefaultOnlineState starts a background probe loop; call Close to
// stop it.
func NewDefaultOnlineState(opts ...DefaultOnlineStateOption) *DefaultOnlineState {
	s := &DefaultOnlineState{
		online:    true,
		listeners: make(map[int]func(bool)),
		target:    "8.8.8.8:53",
		interval:  15 * time.Second,
		timeout:   3 * time.Second,
		stop:      make(chan struct{}),
		dial:      net.DialTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	return s
}

func (s *DefaultOnlineState) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.probe()
		}
	}
}

func (s *DefaultOnlineState) probe() {
	conn, err := s.dial("tcp", s.target, s.timeout)
	online := err == nil
	if conn != nil {
		conn.Close()
	}
	s.set(online)
}

func (s *DefaultOnlineState) set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	listeners := make([]func(bool), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(online)
	}
}

func (s *DefaultOnlineState) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *DefaultOnlineState) OnChange(listener func(bool)) Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Close stops the background probe loop.
func (s *DefaultOnlineState) Close() {
	close(s.stop)
}
