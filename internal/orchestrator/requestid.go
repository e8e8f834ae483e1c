package orchestrator

import (
	"crypto/rand"
	"math/big"
)

const chatIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newChatRequestID builds "chatcmpl-" followed by 32 lowercase base36 chars,
// used as both the client-facing requestId and the id forced onto every
// downstream event for one request (spec §3 invariant).
func newChatRequestID() string {
	b := make([]byte, 32)
	alphabetLen := big.NewInt(int64(len(chatIDAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			// crypto/rand failures are effectively never observed in
			// practice; fall back to a fixed low-entropy char rather than
			// panic mid-request.
			b[i] = chatIDAlphabet[0]
			continue
		}
		b[i] = chatIDAlphabet[n.Int64()]
	}
	return "chatcmpl-" + string(b)
}
