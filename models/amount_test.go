// models/amount_test.go
package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmountScansDecimalStrings(t *testing.T) {
	var a Amount
	require.NoError(t, a.Scan("123456789012345678901234567890"))
	assert.Equal(t, "123456789012345678901234567890", a.String())

	v, err := a.Value()
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", v)

	require.NoError(t, a.Scan(nil))
	assert.Equal(t, "0", a.String())

	assert.Error(t, a.Scan("not a number"))
}

func TestAmountJSONIsQuotedString(t *testing.T) {
	a := NewAmount(42)
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `"42"`, string(data))

	var back Amount
	require.NoError(t, json.Unmarshal([]byte(`"99"`), &back))
	assert.Equal(t, "99", back.String())

	require.NoError(t, json.Unmarshal([]byte(`null`), &back))
	assert.Equal(t, "0", back.String())
}
