// chain/btc_test.go
package chain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTxSizeGrowsWithInputsAndChange(t *testing.T) {
	outs := []TxOut{{Address: "dest", Amount: big.NewInt(100000)}}

	one := EstimateTxSize(1, outs, false, false)
	two := EstimateTxSize(2, outs, false, false)
	withChange := EstimateTxSize(1, outs, true, false)

	assert.Greater(t, two, one)
	assert.Greater(t, withChange, one)
}

func TestIsDustChange(t *testing.T) {
	assert.True(t, IsDustChange(big.NewInt(1)))
	assert.False(t, IsDustChange(big.NewInt(100000)))
}
