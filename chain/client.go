// chain/client.go
package chain

import (
	"context"
	"math/big"
)

// Chain model kinds. The spend planner dispatches on these instead of a
// type-per-chain hierarchy.
const (
	KindUTXO     = "utxo"     // discrete unspent outputs, fee by rate
	KindAccount  = "account"  // single balance + nonce, fee = gas price * gas limit
	KindFixedFee = "fixedfee" // single balance, flat fee per transaction
)

// Params describes one configured chain.
type Params struct {
	Code     string // e.g. "BTC", "ETH", "WAV"
	Kind     string
	Decimals int32  // minor unit scale: 8 for UTXO chains, 18 for account chains
	GasLimit uint64 // account kind only
	MainNet  bool
}

// UTXO is one unspent output as reported by the chain client.
type UTXO struct {
	TxID          string
	N             uint32
	Address       string
	Amount        *big.Int
	Height        int64 // -1 while unconfirmed
	Confirmations int64
}

// UTXOSet is the full unspent view for a watched key.
type UTXOSet struct {
	Confirmed     []UTXO
	Unconfirmed   []UTXO
	CurrentHeight int64
}

// AccountTx is one observed transaction on an account-model chain.
type AccountTx struct {
	TxID          string
	From          string
	To            string
	Amount        *big.Int
	Fee           *big.Int
	Height        int64
	Confirmations int64
	Date          int64
	Attachment    []byte
}

// TxOut is one requested output of a spend.
type TxOut struct {
	Address string
	Amount  *big.Int
}

// TxTemplate is the unsigned transaction handed to the client for signing.
// Which fields are meaningful depends on the chain kind.
type TxTemplate struct {
	Inputs  []UTXO  // utxo kind
	Outputs []TxOut // utxo kind: destination first, change last

	From       string   // account / fixedfee kinds
	To         string   // account / fixedfee kinds
	Amount     *big.Int // account / fixedfee kinds
	Fee        *big.Int
	GasPrice   *big.Int // account kind
	GasLimit   uint64   // account kind
	Nonce      uint64   // account kind
	PathIndex  uint32   // key material selector for From
	Attachment []byte   // fixedfee kind
}

// Broadcast error codes, normalized at this boundary so the core never
// inspects client-library error shapes.
const (
	BroadcastOK           = ""
	BroadcastErrRejected  = "rejected"
	BroadcastErrNoNetwork = "no_network"
	BroadcastErrUnknown   = "unknown"
)

// BroadcastResult is the normalized outcome of submitting a signed tx.
type BroadcastResult struct {
	Success bool
	TxID    string
	ErrCode string
	Message string
}

// SignedTx is a signed transaction plus its would-be external id.
type SignedTx struct {
	Raw  []byte
	TxID string
}

// Client is the external chain collaborator. Implementations own all wire
// level detail (RPC, explorers, serialization); the core only plans spends and
// attributes observed activity.
type Client interface {
	Params() Params

	// UTXO kind
	GetUTXOs(ctx context.Context, watchKey string) (UTXOSet, error)

	// Account kinds. ListTransactions pages with an opaque cursor; an empty
	// returned cursor means no more pages.
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	GetTransactionCount(ctx context.Context, address string) (uint64, error)
	ListTransactions(ctx context.Context, address, cursor string) ([]AccountTx, string, error)

	// Key boundary
	DeriveNewAddress(pathIndex uint32) (address, path string, err error)
	Sign(tmpl *TxTemplate) (*SignedTx, error)

	Broadcast(ctx context.Context, raw []byte) BroadcastResult
}
