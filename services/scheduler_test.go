// services/scheduler_test.go
package services

import (
	"context"
	"testing"
	"time"

	"custody-ledger-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebroadcastStaleResubmitsCachedBytes(t *testing.T) {
	env := newTestEnv(t, "utxo")
	addr, err := env.ledger.NewAddress("hot")
	require.NoError(t, err)

	require.NoError(t, env.ledger.RecordOutgoing(&OutgoingRecord{
		TxID:      "tx-old",
		Fee:       models.NewAmount(10),
		Debits:    []OutgoingDebit{{AddressID: addr.ID, Amount: models.NewAmount(100), Fee: models.NewAmount(10)}},
		SignedRaw: []byte{0xde, 0xad},
	}))

	// Age the broadcast stamp past the rebroadcast window
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, env.db.Model(&models.ChainTxNetworkStatus{}).
		Where("1 = 1").Update("last_broadcast", stale).Error)

	env.reconcile.RebroadcastStale(context.Background())
	assert.Equal(t, 1, env.fake.broadcasts)

	var st models.ChainTxNetworkStatus
	require.NoError(t, env.db.First(&st).Error)
	assert.True(t, st.LastBroadcast.After(stale))

	// A fresh stamp is not rebroadcast again
	env.reconcile.RebroadcastStale(context.Background())
	assert.Equal(t, 1, env.fake.broadcasts)
}

func TestSettleNetworkStatusesAtThreshold(t *testing.T) {
	env := newTestEnv(t, "utxo")
	addr, err := env.ledger.NewAddress("hot")
	require.NoError(t, err)

	require.NoError(t, env.ledger.RecordOutgoing(&OutgoingRecord{
		TxID:   "tx-new",
		Fee:    models.NewAmount(10),
		Debits: []OutgoingDebit{{AddressID: addr.ID, Amount: models.NewAmount(100), Fee: models.NewAmount(10)}},
	}))

	env.reconcile.SettleNetworkStatuses(3)
	var st models.ChainTxNetworkStatus
	require.NoError(t, env.db.First(&st).Error)
	assert.Equal(t, models.NetworkStatusBroadcast, st.Status)

	require.NoError(t, env.db.Model(&models.ChainTx{}).
		Where("tx_id = ?", "tx-new").Update("confirmations", 3).Error)

	env.reconcile.SettleNetworkStatuses(3)
	require.NoError(t, env.db.First(&st).Error)
	assert.Equal(t, models.NetworkStatusConfirmed, st.Status)
}
