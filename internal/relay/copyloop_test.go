package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/venusproxy/internal/scheduler"
)

func newPipePair() (a, b net.Conn) {
	return net.Pipe()
}

func TestPlainRelaysBothDirections(t *testing.T) {
	clientConn, clientPeer := newPipePair()
	upstreamConn, upstreamPeer := newPipePair()

	done := make(chan error, 1)
	go func() {
		done <- Plain(clientConn, upstreamConn, time.Minute)
	}()

	go func() { clientPeer.Write([]byte("hello upstream")) }()
	buf := make([]byte, 64)
	n, err := upstreamPeer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello upstream", string(buf[:n]))

	go func() { upstreamPeer.Write([]byte("hello client")) }()
	n, err = clientPeer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello client", string(buf[:n]))

	clientPeer.Close()
	upstreamPeer.Close()
	<-done
}

func TestSwitchingFlipsAfterSixNotifies(t *testing.T) {
	clientConn, clientPeer := newPipePair()
	upstreamConn, upstreamPeer := newPipePair()
	defer clientPeer.Close()
	defer upstreamPeer.Close()

	sched := scheduler.New(scheduler.Config{VenusHost: "v", VenusPort: 1, VenusWorkerName: "w"})

	done := make(chan error, 1)
	go func() {
		done <- Switching(clientConn, upstreamConn, sched, time.Minute)
	}()

	notify := []byte(`{"id":null,"method":"mining.notify","params":[]}`)
	go func() {
		for i := 0; i < 6; i++ {
			upstreamPeer.Write(notify)
			buf := make([]byte, len(notify))
			clientPeer.Read(buf)
		}
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrRedial)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not report redial in time")
	}
	require.Equal(t, scheduler.Venus, sched.Phase())
}

func TestMITMSynthesizesSubscribeFromCache(t *testing.T) {
	clientConn, clientPeer := newPipePair()
	upstreamConn, upstreamPeer := newPipePair()
	defer upstreamPeer.Close()

	sched := scheduler.New(scheduler.Config{VenusHost: "v", VenusPort: 1, VenusWorkerName: "w"})
	cached := []byte(`{"id":99,"result":[[["mining.set_difficulty","1"],["mining.notify","2"]],"abcd",4],"error":null}`)
	sched.CacheSubscribeReply(scheduler.Real, cached)

	done := make(chan error, 1)
	go func() {
		done <- MITM(clientConn, upstreamConn, sched, time.Minute)
	}()

	request := []byte(`{"id":7,"method":"mining.subscribe","params":[]}`)
	go clientPeer.Write(request)

	buf := make([]byte, 256)
	n, err := clientPeer.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), `"id":7`)
	require.Contains(t, string(buf[:n]), "mining.notify")

	clientPeer.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not exit")
	}
}

func TestMITMCachesInitSubscribeAndForwards(t *testing.T) {
	clientConn, clientPeer := newPipePair()
	upstreamConn, upstreamPeer := newPipePair()
	defer clientPeer.Close()

	sched := scheduler.New(scheduler.Config{VenusHost: "v", VenusPort: 1, VenusWorkerName: "w"})

	done := make(chan error, 1)
	go func() {
		done <- MITM(clientConn, upstreamConn, sched, time.Minute)
	}()

	payload := []byte(`{"id":1,"result":[[["mining.set_difficulty","x"],["mining.notify","y"]],"sub",4],"error":null}`)
	go upstreamPeer.Write(payload)

	buf := make([]byte, 256)
	n, err := clientPeer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, string(payload), string(buf[:n]))

	cached, ok := sched.SubscribeReply(scheduler.Real)
	require.True(t, ok)
	require.Equal(t, string(payload), string(cached))

	upstreamPeer.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not exit")
	}
}

// TestMITMInitSubscribeDoesNotCountAsNotify guards against the handshake
// frame (InitSubscribe == SetDifficulty|Notify) being double-counted: it
// must only populate the subscribe cache, never the notify counter, so it
// can never by itself trigger ObserveNotifyMITM's phase flip.
func TestMITMInitSubscribeDoesNotCountAsNotify(t *testing.T) {
	clientConn, clientPeer := newPipePair()
	upstreamConn, upstreamPeer := newPipePair()
	defer clientPeer.Close()

	sched := scheduler.New(scheduler.Config{VenusHost: "v", VenusPort: 1, VenusWorkerName: "w"})

	done := make(chan error, 1)
	go func() {
		done <- MITM(clientConn, upstreamConn, sched, time.Minute)
	}()

	payload := []byte(`{"id":1,"result":[[["mining.set_difficulty","x"],["mining.notify","y"]],"sub",4],"error":null}`)
	go upstreamPeer.Write(payload)

	buf := make([]byte, 256)
	_, err := clientPeer.Read(buf)
	require.NoError(t, err)

	snap := sched.Snapshot()
	require.Equal(t, 0, snap.RealNotifyCount)
	require.False(t, snap.HasRealNotify)

	upstreamPeer.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not exit")
	}
}

func TestIdleTimeoutSendsTTLExpiredAndExits(t *testing.T) {
	clientConn, clientPeer := newPipePair()
	upstreamConn, upstreamPeer := newPipePair()
	defer upstreamPeer.Close()

	done := make(chan error, 1)
	go func() {
		done <- Plain(clientConn, upstreamConn, 10*time.Millisecond)
	}()

	buf := make([]byte, 16)
	clientPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientPeer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, byte(0x06), buf[1])
	require.True(t, n >= 2)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrIdleTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not exit after idle timeout")
	}
}
