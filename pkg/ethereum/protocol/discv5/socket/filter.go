package socket

import (
	"golang.org/x/time/rate"
	"math"
	"net"
	"sync"
	"time"
)

// Entries idle for this long are removed when the per-IP table is full.
const ipIdleTimeout = 10 * time.Second

type FilterConfig struct {
	Enabled bool
	// MaxRequestsPerSecond limits unsolicited packets from all sources.
	MaxRequestsPerSecond float64
	// MaxRequestsPerIPPerSecond limits unsolicited packets from one IP.
	MaxRequestsPerIPPerSecond float64
	// MaxTrackedIPs bounds the per-IP table.
	MaxTrackedIPs int
}

func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Enabled:                   false,
		MaxRequestsPerSecond:      500,
		MaxRequestsPerIPPerSecond: 10,
		MaxTrackedIPs:             10000,
	}
}

// Filter decides whether an inbound datagram is decoded at all. Packets from
// sources with an outstanding request always pass.
type Filter struct {
	cfg      FilterConfig
	expected *ExpectedResponses

	mu     sync.Mutex
	global *rate.Limiter
	perIP  map[string]*ipState
}

type ipState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewFilter(cfg FilterConfig, expected *ExpectedResponses) *Filter {
	if cfg.MaxTrackedIPs <= 0 {
		cfg.MaxTrackedIPs = DefaultFilterConfig().MaxTrackedIPs
	}
	return &Filter{
		cfg:      cfg,
		expected: expected,
		global:   newLimiter(cfg.MaxRequestsPerSecond),
		perIP:    make(map[string]*ipState),
	}
}

func newLimiter(perSecond float64) *rate.Limiter {
	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Allow reports whether a packet from addr received at now should be
// processed.
func (f *Filter) Allow(addr *net.UDPAddr, now time.Time) bool {
	if !f.cfg.Enabled {
		return true
	}
	if f.expected != nil && f.expected.Has(addr) {
		return true
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := addr.IP.String()
	st := f.perIP[key]
	if st == nil {
		if len(f.perIP) >= f.cfg.MaxTrackedIPs {
			f.prune(now)
		}
		st = &ipState{limiter: newLimiter(f.cfg.MaxRequestsPerIPPerSecond)}
		f.perIP[key] = st
	}
	st.lastSeen = now

	// A token is only spent when both limiters allow the packet.
	ipRes := st.limiter.ReserveN(now, 1)
	if !ipRes.OK() || ipRes.DelayFrom(now) > 0 {
		ipRes.CancelAt(now)
		return false
	}
	globalRes := f.global.ReserveN(now, 1)
	if !globalRes.OK() || globalRes.DelayFrom(now) > 0 {
		globalRes.CancelAt(now)
		ipRes.CancelAt(now)
		return false
	}
	return true
}

// prune drops idle entries, or the least recently seen one if none are idle.
func (f *Filter) prune(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, st := range f.perIP {
		if now.Sub(st.lastSeen) > ipIdleTimeout {
			delete(f.perIP, key)
			continue
		}
		if oldestKey == "" || st.lastSeen.Before(oldest) {
			oldestKey, oldest = key, st.lastSeen
		}
	}
	if len(f.perIP) >= f.cfg.MaxTrackedIPs && oldestKey != "" {
		delete(f.perIP, oldestKey)
	}
}

func (f *Filter) trackedIPs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.perIP)
}

// ExpectedResponses counts outstanding requests per remote address.
type ExpectedResponses struct {
	mu sync.RWMutex
	m  map[string]int
}

func NewExpectedResponses() *ExpectedResponses {
	return &ExpectedResponses{m: make(map[string]int)}
}

// Expect records a request sent to addr.
func (e *ExpectedResponses) Expect(addr *net.UDPAddr) {
	e.mu.Lock()
	e.m[addr.String()]++
	e.mu.Unlock()
}

// Done records a response from addr, or an abandoned request to it.
func (e *ExpectedResponses) Done(addr *net.UDPAddr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := addr.String()
	if e.m[key] <= 1 {
		delete(e.m, key)
		return
	}
	e.m[key]--
}

func (e *ExpectedResponses) Has(addr *net.UDPAddr) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.m[addr.String()] > 0
}

// Len returns the number of addresses with outstanding requests.
func (e *ExpectedResponses) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.m)
}
