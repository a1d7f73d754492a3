package server

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/coderunner/coderunner/protocol"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// newSessionID returns a uniformly random, opaque alphanumeric string of
// protocol.SessionIDLength characters, per the data model's session id
// contract: 20 alphanumeric characters, no other structure a client
// could rely on.
func newSessionID() (string, error) {
	out := make([]byte, protocol.SessionIDLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphanumeric))))
		if err != nil {
			return "", fmt.Errorf("session id: %w", err)
		}
		out[i] = alphanumeric[n.Int64()]
	}
	return string(out), nil
}
