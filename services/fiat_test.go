// services/fiat_test.go
package services

import (
	"testing"

	"custody-ledger-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDepositCodesAreUnique(t *testing.T) {
	env := newTestEnv(t, "utxo")

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		tx, err := env.fiat.RegisterDeposit("customer-1", 100)
		require.NoError(t, err)
		require.False(t, seen[tx.DepositCode], "duplicate code %s", tx.DepositCode)
		seen[tx.DepositCode] = true
	}
}

func TestSettleDepositLifecycle(t *testing.T) {
	env := newTestEnv(t, "utxo")

	reg, err := env.fiat.RegisterDeposit("customer-1", 2500)
	require.NoError(t, err)
	assert.False(t, reg.Settled())

	pending, err := env.fiat.PendingTxs("customer-1", models.DirectionIncoming)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	settled, err := env.fiat.UpdateDeposit(reg.DepositCode, 1700000000, 2500, "wire ref 123")
	require.NoError(t, err)
	assert.True(t, settled.Settled())

	pending, err = env.fiat.PendingTxs("customer-1", models.DirectionIncoming)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, ok, err := env.fiat.GetTx(reg.DepositCode)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.BankTx)
	assert.Equal(t, "wire ref 123", got.BankTx.Metadata)
	assert.EqualValues(t, 2500, got.BankTx.Amount)
}

func TestSettleDepositAmountMismatchIsFatal(t *testing.T) {
	env := newTestEnv(t, "utxo")

	reg, err := env.fiat.RegisterDeposit("customer-1", 2500)
	require.NoError(t, err)

	_, err = env.fiat.UpdateDeposit(reg.DepositCode, 1700000000, 2400, "")
	require.ErrorIs(t, err, ErrAmountMismatch)

	// The record stays registered, not half-settled
	got, ok, err := env.fiat.GetTx(reg.DepositCode)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Settled())
	assert.EqualValues(t, 0, env.countRows(t, &models.BankTx{}))
}

func TestSettleDepositTwiceIsFatal(t *testing.T) {
	env := newTestEnv(t, "utxo")

	reg, err := env.fiat.RegisterDeposit("customer-1", 2500)
	require.NoError(t, err)
	_, err = env.fiat.UpdateDeposit(reg.DepositCode, 1700000000, 2500, "first")
	require.NoError(t, err)

	_, err = env.fiat.UpdateDeposit(reg.DepositCode, 1700000001, 2500, "second")
	require.ErrorIs(t, err, ErrAlreadySettled)
	assert.EqualValues(t, 1, env.countRows(t, &models.BankTx{}))
}

func TestSettleWrongDirectionIsFatal(t *testing.T) {
	env := newTestEnv(t, "utxo")

	reg, err := env.fiat.RegisterDeposit("customer-1", 2500)
	require.NoError(t, err)

	_, err = env.fiat.UpdateWithdrawal(reg.DepositCode, 1700000000, 2500, "")
	require.ErrorIs(t, err, ErrWrongDirection)
}

func TestWithdrawalKeepsBankSnapshot(t *testing.T) {
	env := newTestEnv(t, "utxo")

	reg, err := env.fiat.RegisterWithdrawal("customer-1", 900, BankAccount{
		BankName:      "Example Bank",
		AccountName:   "J Doe",
		AccountNumber: "12345678",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DirectionOutgoing, reg.Direction)
	assert.Equal(t, "Example Bank", reg.BankName)

	settled, err := env.fiat.UpdateWithdrawal(reg.DepositCode, 1700000000, 900, "payout batch 7")
	require.NoError(t, err)
	assert.True(t, settled.Settled())
}

func TestFiatBalanceCountsSettledOnly(t *testing.T) {
	env := newTestEnv(t, "utxo")

	dep, err := env.fiat.RegisterDeposit("customer-1", 5000)
	require.NoError(t, err)
	_, err = env.fiat.UpdateDeposit(dep.DepositCode, 1700000000, 5000, "")
	require.NoError(t, err)

	// Registered but unsettled: an expectation, not money
	_, err = env.fiat.RegisterDeposit("customer-1", 7000)
	require.NoError(t, err)

	wd, err := env.fiat.RegisterWithdrawal("customer-1", 1200, BankAccount{})
	require.NoError(t, err)
	_, err = env.fiat.UpdateWithdrawal(wd.DepositCode, 1700000001, 1200, "")
	require.NoError(t, err)

	bal, err := env.fiat.TagBalance("customer-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3800, bal)
}
