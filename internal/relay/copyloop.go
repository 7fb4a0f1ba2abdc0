// Package relay implements the three bidirectional copy loops that move
// bytes between a negotiated SOCKS5 client and its upstream Stratum
// connection: a plain pump, one that silently counts NOTIFY frames to
// decide when to flip pools, and one that actively rewrites frames while
// venus steering is in effect.
package relay

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/tos-network/venusproxy/internal/logging"
	"github.com/tos-network/venusproxy/internal/socks5"
)

const (
	bufSize       = 1024
	maxEmptyReads = 6
)

// ErrIdleTimeout is returned when a relay direction sees no traffic within
// its idle deadline.
var ErrIdleTimeout = errors.New("relay: idle timeout")

// ErrNoProgress is returned after too many consecutive empty reads.
var ErrNoProgress = errors.New("relay: too many empty reads")

func writeFull(w io.Writer, b []byte) error {
	total := 0
	for total < len(b) {
		n, err := w.Write(b[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// forceUnblock makes any in-flight or next Read on conn return immediately,
// without closing it — used to unstick a pump goroutine reading the
// surviving leg of a connection that is being kept open across a redial.
func forceUnblock(conn net.Conn) {
	conn.SetReadDeadline(time.Now())
}

// Plain is the honest relay (4.E.1): a classic bidirectional pump with no
// inspection of the payload at all.
func Plain(client, upstream net.Conn, idleTimeout time.Duration) error {
	errc := make(chan error, 2)
	go pumpPlain(client, upstream, idleTimeout, errc)
	go pumpPlain(upstream, client, idleTimeout, errc)

	err := <-errc
	if errors.Is(err, ErrIdleTimeout) {
		socks5.WriteError(client, socks5.TTLExpired)
	}
	client.Close()
	upstream.Close()
	<-errc
	logRelayExit("plain", err)
	return err
}

func pumpPlain(src, dst net.Conn, idleTimeout time.Duration, errc chan<- error) {
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
		if err := writeFull(dst, buf[:n]); err != nil {
			errc <- err
			return
		}
	}
}

func logRelayExit(tag string, err error) {
	if err == nil || errors.Is(err, io.EOF) {
		return
	}
	logging.Debugf("relay %s exited: %v", tag, err)
}
