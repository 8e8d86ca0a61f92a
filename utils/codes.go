// utils/codes.go
package utils

import (
	"crypto/rand"
	"math/big"
	"os"
	"strconv"
)

// Deposit and spend codes are human-enterable, so the alphabet drops the
// ambiguous characters (0/O, 1/I/l, 5/S, 8/B...).
const codeAlphabet = "ACDEFGHJKLMNPQRTUVWXY34679"

const defaultCodeLength = 10

// CodeLength reads DEPOSIT_CODE_LENGTH, falling back to the default.
func CodeLength() int {
	if s := os.Getenv("DEPOSIT_CODE_LENGTH"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return defaultCodeLength
}

// GenerateCode returns a random code of the given length. Uniqueness is the
// caller's job (collision-retry against the store).
func GenerateCode(length int) string {
	b := make([]byte, length)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			panic(err)
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b)
}
