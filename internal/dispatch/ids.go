package dispatch

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const otpLength = 4

// codeAlphabet drops 0/O and 1/I so codes survive being read aloud.
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

func newRideID() string { return uuid.NewString() }

// newRideCode derives a short human-facing code from a random UUID. Collisions are
// caught by the store's unique index and retried by the caller.
func newRideCode() string {
	u := uuid.New()
	var b strings.Builder
	b.WriteString("RD-")
	for _, x := range u[:8] {
		b.WriteByte(codeAlphabet[int(x)%len(codeAlphabet)])
	}
	return b.String()
}

func newOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", otpLength, n.Int64()), nil
}
