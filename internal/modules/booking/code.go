package booking

import (
	"crypto/rand"
	"crypto/subtle"
	"strings"

	"github.com/cockroachdb/errors"
)

// codeAlphabet omits characters that are easy to misread aloud (0/O, 1/I).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newVerificationCode(length int) (string, error) {
	if length <= 0 {
		length = 6
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generate verification code")
	}
	out := make([]byte, length)
	for i, b := range buf {
		// 256 is a multiple of len(codeAlphabet), so the modulo is unbiased.
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// codeMatches compares case-insensitively in constant time.
func codeMatches(stored, supplied string) bool {
	a, b := normalizeCode(stored), normalizeCode(supplied)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
