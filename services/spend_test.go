// services/spend_test.go
package services

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"custody-ledger-system/chain"
	"custody-ledger-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpendUTXOWithChange(t *testing.T) {
	env := newTestEnv(t, "utxo")
	src, err := env.ledger.NewAddress("source")
	require.NoError(t, err)

	env.fake.utxos = chain.UTXOSet{
		Confirmed: []chain.UTXO{
			{TxID: "coin-1", N: 0, Address: src.Address, Amount: big.NewInt(200000), Height: 10, Confirmations: 3},
		},
	}

	result, txids, err := env.spend.Spend(context.Background(), "source", "change",
		"dest-external", big.NewInt(100000), big.NewInt(100000), big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, SpendSuccess, result)
	require.Equal(t, []string{"tx-1"}, txids)

	var ctx models.ChainTx
	require.NoError(t, env.db.Where("tx_id = ?", "tx-1").First(&ctx).Error)

	// Outputs: destination first, change to the change tag's fresh address
	var outs []models.TxOutput
	require.NoError(t, env.db.Where("chain_tx_id = ?", ctx.ID).Order("n ASC").Find(&outs).Error)
	require.Len(t, outs, 2)
	assert.Equal(t, "dest-external", outs[0].Address)
	assert.Equal(t, "100000", outs[0].Amount.String())
	require.NotNil(t, outs[1].AddressID)

	var changeAddr models.Address
	require.NoError(t, env.db.Where("id = ?", *outs[1].AddressID).First(&changeAddr).Error)
	changeTag, ok, err := env.ledger.TagGet("change")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, changeTag.ID, changeAddr.TagID)

	// Inputs minus outputs is exactly the recorded fee, under the ceiling
	change := outs[1].Amount.Big()
	wantFee := new(big.Int).Sub(big.NewInt(100000), change)
	assert.Equal(t, wantFee.String(), ctx.Fee.String())
	assert.True(t, ctx.Fee.Sign() > 0)
	assert.True(t, ctx.Fee.Cmp(big.NewInt(100000)) <= 0)

	// The source address is debited everything it put in; the change output
	// belongs to the change address and comes back as incoming once observed
	var wtx models.WalletTx
	require.NoError(t, env.db.Where("chain_tx_id = ?", ctx.ID).First(&wtx).Error)
	assert.Equal(t, models.DirectionOutgoing, wtx.Direction)
	assert.Equal(t, src.ID, wtx.AddressID)
	wantDebit := new(big.Int).Sub(big.NewInt(200000), ctx.Fee.Big())
	assert.Equal(t, wantDebit.String(), wtx.Amount.String())
	assert.Equal(t, ctx.Fee.String(), wtx.Fee.String())

	// Pending spend bookkeeping completed
	var ps models.WalletPendingSpend
	require.NoError(t, env.db.First(&ps).Error)
	assert.Equal(t, models.PendingSpendStateComplete, ps.State)
	assert.Equal(t, "tx-1", ps.TxIDs)
}

func TestSpendUTXOConsumesCoinsAtSameOutputIndex(t *testing.T) {
	env := newTestEnv(t, "utxo")
	a1, err := env.ledger.NewAddress("source")
	require.NoError(t, err)
	a2, err := env.ledger.NewAddress("source")
	require.NoError(t, err)

	// Two coins that both sit at output index 0 of their funding txs
	env.fake.utxos = chain.UTXOSet{
		Confirmed: []chain.UTXO{
			{TxID: "c1", N: 0, Address: a1.Address, Amount: big.NewInt(60000), Height: 10, Confirmations: 3},
			{TxID: "c2", N: 0, Address: a2.Address, Amount: big.NewInt(60000), Height: 11, Confirmations: 2},
		},
	}

	result, txids, err := env.spend.Spend(context.Background(), "source", "change",
		"dest", big.NewInt(100000), big.NewInt(100000), big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, SpendSuccess, result)
	require.Len(t, txids, 1)

	var ctx models.ChainTx
	require.NoError(t, env.db.Where("tx_id = ?", txids[0]).First(&ctx).Error)

	var ins []models.TxInput
	require.NoError(t, env.db.Where("chain_tx_id = ?", ctx.ID).Order("prev_tx_id ASC").Find(&ins).Error)
	require.Len(t, ins, 2)
	assert.Equal(t, "c1", ins[0].PrevTxID)
	assert.Equal(t, "c2", ins[1].PrevTxID)
	assert.EqualValues(t, 0, ins[0].PrevN)
	assert.EqualValues(t, 0, ins[1].PrevN)

	// Every funding address is debited; debits plus fee shares cover the inputs
	var wtxs []models.WalletTx
	require.NoError(t, env.db.Where("chain_tx_id = ?", ctx.ID).Find(&wtxs).Error)
	require.Len(t, wtxs, 2)
	debited := new(big.Int)
	for i := range wtxs {
		debited.Add(debited, wtxs[i].Amount.Big())
		debited.Add(debited, wtxs[i].Fee.Big())
	}
	assert.Equal(t, "120000", debited.String())
}

func TestSpendUTXOBalanceAfterChangeObserved(t *testing.T) {
	env := newTestEnv(t, "utxo")
	src, err := env.ledger.NewAddress("hot")
	require.NoError(t, err)

	env.fake.utxos = chain.UTXOSet{
		Confirmed: []chain.UTXO{
			{TxID: "c-1", N: 0, Address: src.Address, Amount: big.NewInt(100000), Height: 10, Confirmations: 3},
		},
	}
	require.NoError(t, env.reconcile.MergeUTXOs(context.Background(), "watch"))

	result, txids, err := env.spend.Spend(context.Background(), "hot", "hot",
		"dest", big.NewInt(50000), big.NewInt(50000), big.NewInt(5))
	require.NoError(t, err)
	require.Equal(t, SpendSuccess, result)

	var ctx models.ChainTx
	require.NoError(t, env.db.Where("tx_id = ?", txids[0]).First(&ctx).Error)
	var change models.TxOutput
	require.NoError(t, env.db.Where("chain_tx_id = ? AND n = ?", ctx.ID, 1).First(&change).Error)

	// Network observes the change output; re-merging must not double count it
	env.fake.utxos.Confirmed = append(env.fake.utxos.Confirmed, chain.UTXO{
		TxID: txids[0], N: 1, Address: change.Address,
		Amount: change.Amount.Big(), Height: 12, Confirmations: 1,
	})
	require.NoError(t, env.reconcile.MergeUTXOs(context.Background(), "watch"))

	// Real holdings: received 100000, paid 50000, burned the fee
	want := new(big.Int).Sub(big.NewInt(50000), ctx.Fee.Big())
	bal, err := env.balance.TagBalance(env.ledger, "hot", 0)
	require.NoError(t, err)
	assert.Equal(t, want.String(), bal.String())

	// The emptied source address reads zero
	srcBal, err := env.balance.AddressBalance(src.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "0", srcBal.String())

	// The consumed outpoint is marked spent
	var funding models.ChainTx
	require.NoError(t, env.db.Where("tx_id = ?", "c-1").First(&funding).Error)
	var spent models.TxOutput
	require.NoError(t, env.db.Where("chain_tx_id = ? AND n = ?", funding.ID, 0).First(&spent).Error)
	assert.True(t, spent.Spent)
}

func TestFinishPendingKeepsPartialResultCode(t *testing.T) {
	env := newTestEnv(t, "utxo")
	tag, err := env.ledger.TagGetOrCreate("hot")
	require.NoError(t, err)
	ps, err := env.ledger.CreatePendingSpend(tag.ID, tag.ID, "dest", models.NewAmount(10), "CAAAAAAAAA")
	require.NoError(t, err)

	env.spend.finishPending(ps, SpendPartialBroadcast, []string{"tx-1"}, errors.New("ledger append failed"))

	got, ok, err := env.ledger.PendingSpendGet("CAAAAAAAAA")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.PendingSpendStateError, got.State)
	assert.Equal(t, string(SpendPartialBroadcast), got.ErrorCode)
	assert.Equal(t, "tx-1", got.TxIDs)
	assert.Contains(t, got.ErrorMessage, "ledger append failed")
}

func TestSpendUTXOInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, "utxo")
	src, err := env.ledger.NewAddress("source")
	require.NoError(t, err)

	env.fake.utxos = chain.UTXOSet{
		Confirmed: []chain.UTXO{
			{TxID: "coin-1", N: 0, Address: src.Address, Amount: big.NewInt(50000), Height: 10, Confirmations: 3},
		},
	}

	result, txids, err := env.spend.Spend(context.Background(), "source", "source",
		"dest", big.NewInt(100000), big.NewInt(100000), big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, SpendInsufficientFunds, result)
	assert.Empty(t, txids)
	assert.Equal(t, 0, env.fake.broadcasts)
	assert.EqualValues(t, 0, env.countRows(t, &models.ChainTx{}))

	var ps models.WalletPendingSpend
	require.NoError(t, env.db.First(&ps).Error)
	assert.Equal(t, models.PendingSpendStateError, ps.State)
	assert.Equal(t, string(SpendInsufficientFunds), ps.ErrorCode)
}

func TestSpendUTXOMaxFeeBreached(t *testing.T) {
	env := newTestEnv(t, "utxo")
	src, err := env.ledger.NewAddress("source")
	require.NoError(t, err)

	env.fake.utxos = chain.UTXOSet{
		Confirmed: []chain.UTXO{
			{TxID: "coin-1", N: 0, Address: src.Address, Amount: big.NewInt(200000), Height: 10, Confirmations: 3},
		},
	}

	result, txids, err := env.spend.Spend(context.Background(), "source", "change",
		"dest", big.NewInt(100000), big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, SpendMaxFeeBreached, result)
	assert.Empty(t, txids)
	assert.Equal(t, 0, env.fake.broadcasts)
	assert.EqualValues(t, 0, env.countRows(t, &models.ChainTx{}))
}

func TestSpendUTXONoLedgerMutationOnBroadcastFailure(t *testing.T) {
	env := newTestEnv(t, "utxo")
	src, err := env.ledger.NewAddress("source")
	require.NoError(t, err)

	env.fake.utxos = chain.UTXOSet{
		Confirmed: []chain.UTXO{
			{TxID: "coin-1", N: 0, Address: src.Address, Amount: big.NewInt(200000), Height: 10, Confirmations: 3},
		},
	}
	env.fake.rejectAll = true

	result, txids, err := env.spend.Spend(context.Background(), "source", "change",
		"dest", big.NewInt(100000), big.NewInt(100000), big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, SpendFailedBroadcast, result)
	assert.Empty(t, txids)
	assert.EqualValues(t, 0, env.countRows(t, &models.ChainTx{}))
	assert.EqualValues(t, 0, env.countRows(t, &models.WalletTx{}))
}

func TestSpendAccountPicksFirstSufficientAddress(t *testing.T) {
	env := newTestEnv(t, "account")
	a1, err := env.ledger.NewAddress("hot")
	require.NoError(t, err)
	a2, err := env.ledger.NewAddress("hot")
	require.NoError(t, err)

	// fee = feeUnit * gasLimit = 2 * 2 = 4; amount 12 needs 16
	env.fake.balances[a1.Address] = big.NewInt(10)
	env.fake.balances[a2.Address] = big.NewInt(20)
	env.fake.nonces[a2.Address] = 7

	result, txids, err := env.spend.Spend(context.Background(), "hot", "hot",
		"0xdest", big.NewInt(12), big.NewInt(10), big.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, SpendSuccess, result)
	require.Len(t, txids, 1)

	var wtx models.WalletTx
	require.NoError(t, env.db.Preload("ChainTx").First(&wtx).Error)
	assert.Equal(t, a2.ID, wtx.AddressID)
	assert.Equal(t, "12", wtx.Amount.String())
	assert.Equal(t, "4", wtx.Fee.String())
	assert.Equal(t, "4", wtx.ChainTx.Fee.String())
}

func TestSpendAccountMaxFeeBreached(t *testing.T) {
	env := newTestEnv(t, "account")
	_, err := env.ledger.NewAddress("hot")
	require.NoError(t, err)

	result, txids, err := env.spend.Spend(context.Background(), "hot", "hot",
		"0xdest", big.NewInt(12), big.NewInt(3), big.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, SpendMaxFeeBreached, result)
	assert.Empty(t, txids)
	assert.Equal(t, 0, env.fake.broadcasts)
}

func TestSpendAccountInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, "account")
	a1, err := env.ledger.NewAddress("hot")
	require.NoError(t, err)
	a2, err := env.ledger.NewAddress("hot")
	require.NoError(t, err)

	env.fake.balances[a1.Address] = big.NewInt(10)
	env.fake.balances[a2.Address] = big.NewInt(10)

	result, txids, err := env.spend.Spend(context.Background(), "hot", "hot",
		"0xdest", big.NewInt(12), big.NewInt(10), big.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, SpendInsufficientFunds, result)
	assert.Empty(t, txids)
	assert.Equal(t, 0, env.fake.broadcasts)
}

func TestSpendFixedFeeDrawsAcrossAccounts(t *testing.T) {
	env := newTestEnv(t, "fixedfee")
	var addrs []*models.Address
	for i := 0; i < 3; i++ {
		a, err := env.ledger.NewAddress("pool")
		require.NoError(t, err)
		env.fake.balances[a.Address] = big.NewInt(5)
		addrs = append(addrs, a)
	}

	// flat fee 1 per tx: draws 4 + 4 + 2 cover amount 10, total fee 3
	result, txids, err := env.spend.Spend(context.Background(), "pool", "pool",
		"dest", big.NewInt(10), big.NewInt(5), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, SpendSuccess, result)
	require.Len(t, txids, 3)

	var wtxs []models.WalletTx
	require.NoError(t, env.db.Order("meta_id ASC").Find(&wtxs).Error)
	require.Len(t, wtxs, 3)
	assert.Equal(t, "4", wtxs[0].Amount.String())
	assert.Equal(t, "4", wtxs[1].Amount.String())
	assert.Equal(t, "2", wtxs[2].Amount.String())
	assert.Equal(t, addrs[0].ID, wtxs[0].AddressID)
	assert.Equal(t, addrs[2].ID, wtxs[2].AddressID)
}

func TestSpendFixedFeeInsufficientFunds(t *testing.T) {
	env := newTestEnv(t, "fixedfee")
	for i := 0; i < 3; i++ {
		a, err := env.ledger.NewAddress("pool")
		require.NoError(t, err)
		env.fake.balances[a.Address] = big.NewInt(5)
	}

	// max drawable is 3 * (5 - 1) = 12
	result, txids, err := env.spend.Spend(context.Background(), "pool", "pool",
		"dest", big.NewInt(13), big.NewInt(5), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, SpendInsufficientFunds, result)
	assert.Empty(t, txids)
	assert.Equal(t, 0, env.fake.broadcasts)
}

func TestSpendFixedFeeMaxFeeBreached(t *testing.T) {
	env := newTestEnv(t, "fixedfee")
	for i := 0; i < 3; i++ {
		a, err := env.ledger.NewAddress("pool")
		require.NoError(t, err)
		env.fake.balances[a.Address] = big.NewInt(5)
	}

	result, txids, err := env.spend.Spend(context.Background(), "pool", "pool",
		"dest", big.NewInt(10), big.NewInt(2), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, SpendMaxFeeBreached, result)
	assert.Empty(t, txids)
	assert.Equal(t, 0, env.fake.broadcasts)
}

func TestSpendFixedFeePartialBroadcast(t *testing.T) {
	env := newTestEnv(t, "fixedfee")
	for i := 0; i < 3; i++ {
		a, err := env.ledger.NewAddress("pool")
		require.NoError(t, err)
		env.fake.balances[a.Address] = big.NewInt(5)
	}
	env.fake.failAfter = 2

	result, txids, err := env.spend.Spend(context.Background(), "pool", "pool",
		"dest", big.NewInt(10), big.NewInt(5), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, SpendPartialBroadcast, result)
	assert.Len(t, txids, 2)

	// Ledger reflects only the successful subset
	assert.EqualValues(t, 2, env.countRows(t, &models.WalletTx{}))

	var ps models.WalletPendingSpend
	require.NoError(t, env.db.First(&ps).Error)
	assert.Equal(t, models.PendingSpendStateError, ps.State)
	assert.Equal(t, string(SpendPartialBroadcast), ps.ErrorCode)
	assert.Equal(t, "tx-1,tx-2", ps.TxIDs)
}
