// utils/codes_test.go
package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeAlphabetAndLength(t *testing.T) {
	code := GenerateCode(10)
	assert.Len(t, code, 10)
	for _, c := range code {
		assert.True(t, strings.ContainsRune(codeAlphabet, c), "unexpected character %q", c)
	}
}

func TestGenerateCodesAreDistinct(t *testing.T) {
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		code := GenerateCode(10)
		require.False(t, seen[code], "collision at %d: %s", i, code)
		seen[code] = true
	}
}

func TestCodeLengthFromEnvironment(t *testing.T) {
	assert.Equal(t, defaultCodeLength, CodeLength())

	t.Setenv("DEPOSIT_CODE_LENGTH", "14")
	assert.Equal(t, 14, CodeLength())

	t.Setenv("DEPOSIT_CODE_LENGTH", "not-a-number")
	assert.Equal(t, defaultCodeLength, CodeLength())
}
