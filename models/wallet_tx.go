// models/wallet_tx.go
package models

import (
	"time"
)

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// WalletTx is the wallet-local view of a ChainTx as it relates to one owned
// address. Exactly one row exists per (address, chain tx, direction); the
// reconciler relies on this to stay idempotent. For incoming rows Amount is
// the value paid to the address. For outgoing rows Amount is the value that
// left the address net of fee, and Fee is the portion of the chain fee the
// address bore, so incoming minus outgoing amount minus fee is the address's
// real holdings.
//
// ChainTx and Address references are restrict-delete: a referenced row cannot
// be removed while a WalletTx points at it.
type WalletTx struct {
	ID        string `json:"id" gorm:"primaryKey"`
	ChainTxID string `json:"chain_tx_id" gorm:"not null;index:idx_wtx_dedup,unique"`
	AddressID string `json:"address_id" gorm:"not null;index:idx_wtx_dedup,unique"`
	Direction string `json:"direction" gorm:"not null;index:idx_wtx_dedup,unique"`

	Amount       Amount `json:"amount"`
	Fee          Amount `json:"fee"` // outgoing only, zero on incoming rows
	Acknowledged bool   `json:"acknowledged" gorm:"default:false"`
	Note         string `json:"note"`
	OnBehalfOf   string `json:"on_behalf_of"` // tag this tx was made for, if any
	MetaID       int64  `json:"meta_id"`      // wallet-local sequence, user facing

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	ChainTx ChainTx `json:"chain_tx,omitempty" gorm:"foreignKey:ChainTxID;constraint:OnDelete:RESTRICT"`
	Address Address `json:"address,omitempty" gorm:"foreignKey:AddressID;constraint:OnDelete:RESTRICT"`
}
