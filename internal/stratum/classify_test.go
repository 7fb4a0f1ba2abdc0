package stratum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyNotify(t *testing.T) {
	buf := []byte(`{"id":1,"method":"mining.notify","params":[]}`)
	require.Equal(t, Notify, Classify(buf))
}

func TestClassifyInitSubscribe(t *testing.T) {
	buf := []byte(`{"id":1,"result":[[["mining.set_difficulty","x"],["mining.notify","y"]]]}`)
	require.Equal(t, InitSubscribe, Classify(buf))
	require.Equal(t, Kind(12), Classify(buf))
}

func TestClassifySubmit(t *testing.T) {
	buf := []byte(`{"id":4,"method":"mining.submit","params":["worker.one","jobid","nonce"]}`)
	require.Equal(t, Submit, Classify(buf))
}

func TestClassifyAdditivity(t *testing.T) {
	// Property: classify(b) equals the sum over the five base kinds of
	// their presence indicators.
	buf := []byte(`mining.subscribe mining.authorize mining.submit mining.set_difficulty mining.notify`)
	want := Subscribe | Auth | Submit | SetDifficulty | Notify
	require.Equal(t, want, Classify(buf))
}

func TestClassifyAck(t *testing.T) {
	buf := []byte(`{"id":1,"result":true,"error":null}`)
	require.Equal(t, Ack, Classify(buf))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "ack", Ack.String())
	require.Equal(t, "notify", Notify.String())
	require.Equal(t, "set_difficulty|notify", InitSubscribe.String())
}
