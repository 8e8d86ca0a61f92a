// services/testutil_test.go
package services

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"custody-ledger-system/chain"
	"custody-ledger-system/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Cfg{},
		&models.Tag{},
		&models.Address{},
		&models.ChainTx{},
		&models.ChainTxNetworkStatus{},
		&models.TxInput{},
		&models.TxOutput{},
		&models.WalletTx{},
		&models.WalletPendingSpend{},
		&models.FiatWalletTag{},
		&models.FiatWalletTx{},
		&models.BankTx{},
	))
	return db
}

// fakeChain is an in-memory chain client. Addresses derive as "addr-<index>",
// signed txs get sequential ids "tx-<n>".
type fakeChain struct {
	params     chain.Params
	utxos      chain.UTXOSet
	balances   map[string]*big.Int
	nonces     map[string]uint64
	history    map[string][]chain.AccountTx
	rejectAll  bool
	failAfter  int // reject broadcasts after this many successes, 0 = never
	broadcasts int
	signSeq    int
}

func newFakeChain(kind string) *fakeChain {
	return &fakeChain{
		params:   chain.Params{Code: "FAKE", Kind: kind, Decimals: 8, GasLimit: 2},
		balances: map[string]*big.Int{},
		nonces:   map[string]uint64{},
		history:  map[string][]chain.AccountTx{},
	}
}

func (f *fakeChain) Params() chain.Params { return f.params }

func (f *fakeChain) GetUTXOs(ctx context.Context, watchKey string) (chain.UTXOSet, error) {
	return f.utxos, nil
}

func (f *fakeChain) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if b, ok := f.balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) GetTransactionCount(ctx context.Context, address string) (uint64, error) {
	return f.nonces[address], nil
}

func (f *fakeChain) ListTransactions(ctx context.Context, address, cursor string) ([]chain.AccountTx, string, error) {
	return f.history[address], "", nil
}

func (f *fakeChain) DeriveNewAddress(pathIndex uint32) (string, string, error) {
	return fmt.Sprintf("addr-%d", pathIndex), fmt.Sprintf("m/44'/0'/0'/0/%d", pathIndex), nil
}

func (f *fakeChain) Sign(tmpl *chain.TxTemplate) (*chain.SignedTx, error) {
	f.signSeq++
	return &chain.SignedTx{Raw: []byte{byte(f.signSeq)}, TxID: fmt.Sprintf("tx-%d", f.signSeq)}, nil
}

func (f *fakeChain) Broadcast(ctx context.Context, raw []byte) chain.BroadcastResult {
	if f.rejectAll || (f.failAfter > 0 && f.broadcasts >= f.failAfter) {
		return chain.BroadcastResult{ErrCode: chain.BroadcastErrRejected, Message: "rejected by fake"}
	}
	f.broadcasts++
	return chain.BroadcastResult{Success: true}
}

type testEnv struct {
	db        *gorm.DB
	fake      *fakeChain
	ledger    *LedgerService
	balance   *BalanceService
	spend     *SpendService
	reconcile *ReconcileService
	fiat      *FiatService
}

func newTestEnv(t *testing.T, kind string) *testEnv {
	t.Helper()
	db := newTestDB(t)
	fake := newFakeChain(kind)
	ledger := NewLedgerService(db, fake)
	balance := NewBalanceService(db)
	return &testEnv{
		db:        db,
		fake:      fake,
		ledger:    ledger,
		balance:   balance,
		spend:     NewSpendService(db, ledger, balance, fake, "watch"),
		reconcile: NewReconcileService(db, ledger, fake),
		fiat:      NewFiatService(db),
	}
}

func (e *testEnv) countRows(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(model).Count(&n).Error)
	return n
}
