package relay

import (
	"errors"
	"net"
	"time"

	"github.com/tos-network/venusproxy/internal/scheduler"
	"github.com/tos-network/venusproxy/internal/socks5"
	"github.com/tos-network/venusproxy/internal/stratum"
)

// ErrRedial is returned by Switching and MITM when a phase flip occurred
// mid-relay and the driver should tear down and re-dial upstream.
var ErrRedial = errors.New("relay: phase flip, redial required")

// Switching is the phase-counting relay (4.E.2): identical to Plain except
// that every server-to-client NOTIFY frame feeds the scheduler's flip
// counter. When the flip threshold is crossed it stops relaying and
// reports ErrRedial so the driver can re-dial the (possibly now different)
// upstream. Unlike Plain, Switching never closes client: on ErrRedial the
// client's SOCKS5 session is reused for the next dial attempt, and closing
// (or failing to close) it is the caller's responsibility either way.
func Switching(client, upstream net.Conn, sched *scheduler.Scheduler, idleTimeout time.Duration) error {
	errc := make(chan error, 2)

	go pumpPlain(client, upstream, idleTimeout, errc)
	go pumpSwitching(upstream, client, idleTimeout, sched, errc)

	err := <-errc
	if errors.Is(err, ErrIdleTimeout) {
		socks5.WriteError(client, socks5.TTLExpired)
	}
	upstream.Close()
	forceUnblock(client)
	<-errc
	logRelayExit("switching", err)
	return err
}

func pumpSwitching(src, dst net.Conn, idleTimeout time.Duration, sched *scheduler.Scheduler, errc chan<- error) {
	buf := make([]byte, bufSize)
	emptyReads := 0
	for {
		src.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := src.Read(buf)
		if err != nil {
			if isTimeout(err) {
				errc <- ErrIdleTimeout
				return
			}
			errc <- err
			return
		}
		if n <= 0 {
			emptyReads++
			if emptyReads > maxEmptyReads {
				errc <- ErrNoProgress
				return
			}
			continue
		}
		emptyReads = 0

		frame := buf[:n]
		if err := writeFull(dst, frame); err != nil {
			errc <- err
			return
		}
		if stratum.Classify(frame).Has(stratum.Notify) && sched.ObserveNotify() {
			errc <- ErrRedial
			return
		}
	}
}
