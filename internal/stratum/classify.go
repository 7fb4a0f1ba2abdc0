// Package stratum classifies Stratum mining-protocol frames by substring
// presence of their method name, without parsing the surrounding JSON.
//
// This is deliberate, not lazy: Stratum frames are single-line JSON, and the
// five method names below never legitimately nest inside one another, so a
// substring scan classifies every well-formed frame identically to a full
// JSON-RPC decode while staying allocation-free on the hot path.
package stratum

import "bytes"

// Kind is a bitmask of Stratum message kinds. A frame can carry more than
// one kind at once — the canonical example is a server's initial subscribe
// response, which bundles a difficulty and the first job in one payload.
type Kind uint8

const (
	Ack           Kind = 0
	Subscribe     Kind = 1 << 0
	Auth          Kind = 1 << 1
	SetDifficulty Kind = 1 << 2
	Notify        Kind = 1 << 3
	Submit        Kind = 1 << 4

	// InitSubscribe is the server's handshake response: a set_difficulty
	// and a notify folded into a single line.
	InitSubscribe = SetDifficulty | Notify
)

const (
	keySubscribe     = "mining.subscribe"
	keyAuth          = "mining.authorize"
	keySubmit        = "mining.submit"
	keySetDifficulty = "mining.set_difficulty"
	keyNotify        = "mining.notify"
)

// Has reports whether k contains every bit of want.
func (k Kind) Has(want Kind) bool { return k&want == want }

// String renders a Kind for logging.
func (k Kind) String() string {
	if k == Ack {
		return "ack"
	}
	names := []struct {
		bit  Kind
		name string
	}{
		{Subscribe, "subscribe"},
		{Auth, "auth"},
		{SetDifficulty, "set_difficulty"},
		{Notify, "notify"},
		{Submit, "submit"},
	}
	out := ""
	for _, n := range names {
		if k.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "ack"
	}
	return out
}

// Classify maps a raw frame to its Kind bitmask. Matching is plain
// substring, case-sensitive, additive: a buffer mentioning both
// mining.notify and mining.set_difficulty classifies as InitSubscribe.
func Classify(buf []byte) Kind {
	var k Kind
	if bytes.Contains(buf, []byte(keySubscribe)) {
		k |= Subscribe
	}
	if bytes.Contains(buf, []byte(keyAuth)) {
		k |= Auth
	}
	if bytes.Contains(buf, []byte(keySubmit)) {
		k |= Submit
	}
	if bytes.Contains(buf, []byte(keySetDifficulty)) {
		k |= SetDifficulty
	}
	if bytes.Contains(buf, []byte(keyNotify)) {
		k |= Notify
	}
	return k
}
