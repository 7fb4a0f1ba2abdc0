// Package driver is the per-connection glue (4.G): it runs the SOCKS5
// handshake, decides the upstream target via the scheduler, dials under
// the dial guard, and drives the phase-appropriate relay variant until the
// session ends or needs to be handed to a re-dialed upstream.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tos-network/venusproxy/internal/authcache"
	"github.com/tos-network/venusproxy/internal/logging"
	"github.com/tos-network/venusproxy/internal/relay"
	"github.com/tos-network/venusproxy/internal/scheduler"
	"github.com/tos-network/venusproxy/internal/socks5"
)

// Config carries the per-connection tunables sourced from internal/config.
type Config struct {
	SOCKS5       socks5.Config
	IdleTimeout  time.Duration
	DialTimeout  time.Duration
	GuardRetries int
	GuardDelay   time.Duration
	BindOutbound bool
	ListenIP     string
}

// Driver owns the shared scheduler and auth cache and serves each accepted
// connection through Handle, counting in-flight handlers with a WaitGroup
// and an active-connection counter so the server can wait for them to
// drain on shutdown.
type Driver struct {
	cfg   Config
	sched *scheduler.Scheduler
	cache *authcache.Cache

	mu      sync.Mutex
	wg      sync.WaitGroup
	active  int
}

// New builds a Driver around an already-constructed scheduler and auth
// cache, both of which are shared process-wide.
func New(cfg Config, sched *scheduler.Scheduler, cache *authcache.Cache) *Driver {
	return &Driver{cfg: cfg, sched: sched, cache: cache}
}

// Scheduler exposes the shared scheduler for introspection (internal/admin).
func (d *Driver) Scheduler() *scheduler.Scheduler { return d.sched }

// ActiveConnections reports how many client connections are currently
// being served.
func (d *Driver) ActiveConnections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Handle runs one client connection to completion. It is meant to be
// called from its own goroutine by the accept loop; Handle closes conn
// before returning under every exit path.
func (d *Driver) Handle(ctx context.Context, conn net.Conn) {
	d.mu.Lock()
	d.active++
	d.mu.Unlock()
	d.wg.Add(1)
	defer func() {
		d.wg.Done()
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()
	defer conn.Close()

	peer := conn.RemoteAddr()
	hs := socks5.New(d.cfg.SOCKS5, d.cache)

	if err := hs.Negotiate(conn, peer); err != nil {
		logging.Debugf("driver: negotiate from %s: %v", peer, err)
		return
	}

	req, err := hs.ReadConnect(conn)
	if err != nil {
		logging.Debugf("driver: connect request from %s: %v", peer, err)
		return
	}

	upstream, err := d.dial(ctx, req)
	if err != nil {
		socks5.WriteError(conn, socks5.ReplyCodeFor(err))
		logging.Debugf("driver: dial for %s failed: %v", peer, err)
		return
	}

	if err := socks5.WriteSuccess(conn); err != nil {
		upstream.Close()
		return
	}

	for {
		var relayErr error
		if d.sched.Phase() == scheduler.Venus {
			relayErr = relay.MITM(conn, upstream, d.sched, d.cfg.IdleTimeout)
		} else {
			relayErr = relay.Switching(conn, upstream, d.sched, d.cfg.IdleTimeout)
		}

		if !errors.Is(relayErr, relay.ErrRedial) {
			logging.Debugf("driver: session for %s ended: %v", peer, relayErr)
			return
		}

		upstream, err = d.dial(ctx, req)
		if err != nil {
			logging.Debugf("driver: redial for %s failed: %v", peer, err)
			return
		}
	}
}

// Wait blocks until every in-flight Handle call has returned.
func (d *Driver) Wait() { d.wg.Wait() }

func (d *Driver) dial(ctx context.Context, req *socks5.ConnectRequest) (net.Conn, error) {
	host, port := d.sched.DialTarget(req.Host, req.Port)

	if !d.sched.Guard().Acquire(ctx, d.cfg.GuardRetries, d.cfg.GuardDelay) {
		return nil, fmt.Errorf("driver: dial guard unavailable for %s:%d", host, port)
	}
	defer d.sched.Guard().Release()

	bindIP := ""
	if d.cfg.BindOutbound {
		bindIP = d.cfg.ListenIP
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()
	return socks5.Dial(dialCtx, host, port, bindIP)
}
