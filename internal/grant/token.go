package grant

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// PassCodeLength is the length of emergency access pass codes. Codes are
// read aloud or typed by a human, so they are short; the 31-character
// alphabet still gives a space above 2^49, far beyond online guessing
// within the 24-hour grant window.
const PassCodeLength = 10

// passCodeAlphabet omits 0/O, 1/I/L to avoid transcription mistakes.
const passCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// NewToken returns a fresh request token: URL-safe, unguessable, never
// shown to humans for manual entry.
func NewToken() string {
	return uuid.NewString()
}

// NewPassCode returns a fresh human-typable pass code from a
// cryptographically secure source. The pass code is a credential distinct
// from the request token.
func NewPassCode() (string, error) {
	buf := make([]byte, PassCodeLength)
	code := make([]byte, PassCodeLength)
	for i := 0; i < PassCodeLength; {
		if _, err := rand.Read(buf[i : i+1]); err != nil {
			return "", fmt.Errorf("grant: pass code entropy: %w", err)
		}
		// Rejection sampling keeps the distribution uniform.
		if int(buf[i]) >= 256-(256%len(passCodeAlphabet)) {
			continue
		}
		code[i] = passCodeAlphabet[int(buf[i])%len(passCodeAlphabet)]
		i++
	}
	return string(code), nil
}
