package relay

import (
	"errors"
	"net"
	"time"

	"github.com/tos-network/venusproxy/internal/bytesutil"
	"github.com/tos-network/venusproxy/internal/logging"
	"github.com/tos-network/venusproxy/internal/scheduler"
	"github.com/tos-network/venusproxy/internal/socks5"
	"github.com/tos-network/venusproxy/internal/stratum"
)

var (
	idFieldLeft     = []byte(`"id":`)
	idFieldRight    = []byte(`,`)
	paramsArrayLeft = []byte(`"params":[`)
	paramsArrayRight = []byte(`]`)
	workerNameLeft  = []byte(`"params":["`)
	workerNameRight = []byte(`"`)
)

func idValue(frame []byte) ([]byte, bool) {
	return bytesutil.SliceBetween(frame, idFieldLeft, idFieldRight)
}

// withSubstitutedID patches cachedReply's own "id" value with the one
// found in clientRequest, so a synthesized reply looks like it answers the
// request that prompted it.
func withSubstitutedID(cachedReply, clientRequest []byte) []byte {
	clientID, ok := idValue(clientRequest)
	if !ok {
		return cachedReply
	}
	cachedID, ok := idValue(cachedReply)
	if !ok {
		return cachedReply
	}
	oldField := append(append([]byte{}, idFieldLeft...), cachedID...)
	newField := append(append([]byte{}, idFieldLeft...), clientID...)
	return bytesutil.Substitute(cachedReply, oldField, newField)
}

func extractDifficultyParams(frame []byte) ([]byte, bool) {
	return bytesutil.SliceBetween(frame, paramsArrayLeft, paramsArrayRight)
}

func rewriteWorkerName(frame []byte, newName string) []byte {
	old, ok := bytesutil.SliceBetween(frame, workerNameLeft, workerNameRight)
	if !ok || len(old) == 0 {
		return frame
	}
	return bytesutil.Substitute(frame, old, []byte(newName))
}

// MITM is the full rewriting relay (4.E.3), used once venus steering is
// active. It classifies every frame crossing the relay and, per direction,
// either forwards it unchanged, rewrites it in place, or suppresses the
// forward entirely and synthesizes a reply out of cached state.
// MITM never closes client itself, for the same reason Switching doesn't:
// an ErrRedial exit means the SOCKS5 session is being kept alive for a
// fresh upstream dial.
func MITM(client, upstream net.Conn, sched *scheduler.Scheduler, idleTimeout time.Duration) error {
	errc := make(chan error, 2)

	go pumpClientToUpstream(client, upstream, idleTimeout, sched, errc)
	go pumpUpstreamToClient(upstream, client, idleTimeout, sched, errc)

	err := <-errc
	if errors.Is(err, ErrIdleTimeout) {
		socks5.WriteError(client, socks5.TTLExpired)
	}
	upstream.Close()
	forceUnblock(client)
	<-errc
	logRelayExit("mitm", err)
	return err
}

func pumpClientToUpstream(client, upstream net.Conn, idleTimeout time.Duration, sched *scheduler.Scheduler, errc chan<- error) {
	buf := make([]byte, bufSize)
	emptyReads := 0
	for {
		client.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := client.Read(buf)
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
		kind := stratum.Classify(frame)
		phase := sched.Phase()
		if logging.TraceFramesEnabled() {
			logging.Tracef("mitm client->up phase=%s kind=%s frame=%q", phase, kind, frame)
		}

		switch {
		case kind.Has(stratum.Subscribe):
			if cached, ok := sched.SubscribeReply(phase); ok {
				reply := withSubstitutedID(cached, frame)
				if err := writeFull(client, reply); err != nil {
					errc <- err
					return
				}
				continue
			}
			if err := writeFull(upstream, frame); err != nil {
				errc <- err
				return
			}

		case kind.Has(stratum.Auth):
			if diff, ok := sched.Difficulty(phase); ok {
				if err := replayCachedAuthResponse(client, frame, diff, sched, phase); err != nil {
					errc <- err
					return
				}
				continue
			}
			out := frame
			if phase == scheduler.Venus {
				out = rewriteWorkerName(frame, sched.VenusWorkerName())
			}
			if err := writeFull(upstream, out); err != nil {
				errc <- err
				return
			}

		case kind.Has(stratum.Submit):
			out := frame
			if phase == scheduler.Venus {
				out = rewriteWorkerName(frame, sched.VenusWorkerName())
			}
			if err := writeFull(upstream, out); err != nil {
				errc <- err
				return
			}

		default:
			if err := writeFull(upstream, frame); err != nil {
				errc <- err
				return
			}
		}
	}
}

// replayCachedAuthResponse sends the three cached messages (ack, set
// difficulty, notify) the client would have received had it just
// authorized for real, using the client's own auth-frame id on the ack.
// The original implementation donated the wrong message's id here; this
// uses the inbound auth frame's id, per SPEC_FULL.md §9(b).
func replayCachedAuthResponse(client net.Conn, authFrame, diffParams []byte, sched *scheduler.Scheduler, phase scheduler.Phase) error {
	id, ok := idValue(authFrame)
	if !ok {
		id = []byte("1")
	}
	if err := writeFull(client, scheduler.ResultTrueMessage(id)); err != nil {
		return err
	}
	if err := writeFull(client, scheduler.SetDifficultyMessage(diffParams)); err != nil {
		return err
	}
	if notify, ok := sched.Notify(phase); ok {
		if err := writeFull(client, notify); err != nil {
			return err
		}
	}
	return nil
}

func pumpUpstreamToClient(upstream, client net.Conn, idleTimeout time.Duration, sched *scheduler.Scheduler, errc chan<- error) {
	buf := make([]byte, bufSize)
	emptyReads := 0
	for {
		upstream.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := upstream.Read(buf)
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
		kind := stratum.Classify(frame)
		phase := sched.Phase()
		if logging.TraceFramesEnabled() {
			logging.Tracef("mitm up->client phase=%s kind=%s frame=%q", phase, kind, frame)
		}

		// Mutually exclusive, mirroring copyloop_venus's else-if chain: a
		// handshake frame classifies as InitSubscribe (SetDifficulty|Notify)
		// and must hit only the INIT_SUBSCRIBE branch, never also count as a
		// NOTIFY toward the phase flip.
		redial := false
		switch {
		case kind == stratum.InitSubscribe:
			sched.CacheSubscribeReply(phase, frame)
		case kind.Has(stratum.SetDifficulty):
			if params, ok := extractDifficultyParams(frame); ok {
				sched.CacheDifficulty(phase, params)
			}
		case kind.Has(stratum.Notify):
			sched.CacheNotify(phase, frame)
			redial = sched.ObserveNotifyMITM()
		}

		if err := writeFull(client, frame); err != nil {
			errc <- err
			return
		}
		if redial {
			errc <- ErrRedial
			return
		}
	}
}
