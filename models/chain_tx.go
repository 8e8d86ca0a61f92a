// models/chain_tx.go
package models

import (
	"time"
)

// Broadcast lifecycle of a transaction we submitted ourselves.
const (
	NetworkStatusPending   = "pending"
	NetworkStatusBroadcast = "broadcast"
	NetworkStatusConfirmed = "confirmed"
	NetworkStatusDropped   = "dropped"
)

// ChainTx is the canonical record of one observed or submitted on-chain
// transaction. Height is -1 while unconfirmed. Fee is set for account-model
// chains; for UTXO chains it is derived from inputs minus outputs.
type ChainTx struct {
	ID            string `json:"id" gorm:"primaryKey"`
	TxID          string `json:"txid" gorm:"uniqueIndex;not null"` // external transaction id
	Date          int64  `json:"date" gorm:"not null"`             // unix seconds, first observed
	Height        int64  `json:"height" gorm:"default:-1"`
	Confirmations int64  `json:"confirmations" gorm:"default:0"`
	Fee           Amount `json:"fee"`

	// Opaque attachment bytes. Large attachments are archived to object
	// storage and referenced by AttachmentKey instead.
	Attachment    []byte `json:"attachment,omitempty"`
	AttachmentKey string `json:"attachment_key,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// Relationships
	Inputs        []TxInput             `json:"inputs,omitempty" gorm:"foreignKey:ChainTxID;constraint:OnDelete:CASCADE"`
	Outputs       []TxOutput            `json:"outputs,omitempty" gorm:"foreignKey:ChainTxID;constraint:OnDelete:CASCADE"`
	NetworkStatus *ChainTxNetworkStatus `json:"network_status,omitempty" gorm:"foreignKey:ChainTxID;constraint:OnDelete:CASCADE"`
}

// ChainTxNetworkStatus tracks our own broadcasts. SignedTx caches the raw
// serialized transaction so UTXO chains can rebroadcast until confirmed.
type ChainTxNetworkStatus struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	ChainTxID     string    `json:"chain_tx_id" gorm:"uniqueIndex;not null"`
	Status        string    `json:"status" gorm:"default:'pending'"`
	LastBroadcast time.Time `json:"last_broadcast"`
	SignedTx      []byte    `json:"-"`
}

// TxInput is one consumed outpoint of a UTXO-chain transaction. PrevTxID and
// PrevN identify the output being spent; a transaction consumes each outpoint
// at most once, while several inputs may well share the same output index.
type TxInput struct {
	ID        string  `json:"id" gorm:"primaryKey"`
	ChainTxID string  `json:"chain_tx_id" gorm:"not null;index:idx_input_outpoint,unique"`
	PrevTxID  string  `json:"prev_txid" gorm:"not null;index:idx_input_outpoint,unique"`
	PrevN     uint32  `json:"prev_n" gorm:"index:idx_input_outpoint,unique"`
	Address   string  `json:"address"`                           // funding address string
	AddressID *string `json:"address_id,omitempty" gorm:"index"` // owning address, null if external
	Amount    Amount  `json:"amount"`
}

// TxOutput is one created output of a UTXO-chain transaction. TagForID
// attributes the output to a tag independently of address ownership.
type TxOutput struct {
	ID        string  `json:"id" gorm:"primaryKey"`
	ChainTxID string  `json:"chain_tx_id" gorm:"not null;index:idx_output_tx_n,unique"`
	N         uint32  `json:"n" gorm:"index:idx_output_tx_n,unique"`
	Address   string  `json:"address"`
	AddressID *string `json:"address_id,omitempty" gorm:"index"`
	TagForID  *string `json:"tag_for_id,omitempty" gorm:"index"`
	Amount    Amount  `json:"amount"`
	Spent     bool    `json:"spent" gorm:"default:false"`
}
