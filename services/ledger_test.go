// services/ledger_test.go
package services

import (
	"testing"

	"custody-ledger-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagGetOrCreateSlugifies(t *testing.T) {
	env := newTestEnv(t, "utxo")

	tag, err := env.ledger.TagGetOrCreate("Customer 42")
	require.NoError(t, err)
	assert.Equal(t, "customer-42", tag.Name)

	again, err := env.ledger.TagGetOrCreate("customer 42")
	require.NoError(t, err)
	assert.Equal(t, tag.ID, again.ID)
}

func TestNewAddressBumpsStoredIndex(t *testing.T) {
	env := newTestEnv(t, "utxo")

	a1, err := env.ledger.NewAddress("deposits")
	require.NoError(t, err)
	a2, err := env.ledger.NewAddress("deposits")
	require.NoError(t, err)
	a3, err := env.ledger.NewAddress("hot")
	require.NoError(t, err)

	// The counter lives in the store and is shared across tags
	assert.Equal(t, uint32(1), a1.PathIndex)
	assert.Equal(t, uint32(2), a2.PathIndex)
	assert.Equal(t, uint32(3), a3.PathIndex)
	assert.Equal(t, "addr-1", a1.Address)
	assert.Equal(t, "addr-3", a3.Address)

	var cfg models.Cfg
	require.NoError(t, env.db.Where("key = ?", models.CfgKeyLastPathIndex).First(&cfg).Error)
	assert.Equal(t, "3", cfg.Value)
}

func TestCheckWalletTypeStampsAndRejects(t *testing.T) {
	env := newTestEnv(t, "utxo")

	require.NoError(t, env.ledger.CheckWalletType())
	require.NoError(t, env.ledger.CheckWalletType())

	other := newFakeChain("utxo")
	other.params.Code = "OTHER"
	mismatched := NewLedgerService(env.db, other)
	assert.Error(t, mismatched.CheckWalletType())
}

func TestAcknowledgeWalletTxs(t *testing.T) {
	env := newTestEnv(t, "account")
	addr, err := env.ledger.NewAddress("deposits")
	require.NoError(t, err)

	require.NoError(t, env.ledger.RecordOutgoing(&OutgoingRecord{
		TxID:   "tx-abc",
		Fee:    models.NewAmount(4),
		Debits: []OutgoingDebit{{AddressID: addr.ID, Amount: models.NewAmount(100), Fee: models.NewAmount(4)}},
	}))

	pending, err := env.ledger.UnacknowledgedForTag("deposits")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, env.ledger.Acknowledge([]string{pending[0].ID}))

	pending, err = env.ledger.UnacknowledgedForTag("deposits")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
