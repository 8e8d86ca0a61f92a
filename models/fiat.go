// models/fiat.go
package models

import (
	"time"
)

// Fiat amounts are flat int64 minor units (cents); the fiat side never needs
// big integers.

// FiatWalletTag mirrors Tag for the fiat schema.
type FiatWalletTag struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`

	Txs []FiatWalletTx `json:"txs,omitempty" gorm:"foreignKey:TagID;constraint:OnDelete:CASCADE"`
}

// FiatWalletTx is a pending deposit or withdrawal. It stays Registered until a
// bank confirmation pairs it with a BankTx, which settles it exactly once.
type FiatWalletTx struct {
	ID          string `json:"id" gorm:"primaryKey"`
	DepositCode string `json:"deposit_code" gorm:"uniqueIndex;not null"`
	TagID       string `json:"tag_id" gorm:"not null;index"`
	Direction   string `json:"direction" gorm:"not null"`
	Date        int64  `json:"date" gorm:"not null"` // unix seconds, registered at
	Amount      int64  `json:"amount" gorm:"not null"`

	// Destination bank account snapshot, withdrawals only.
	BankName      string `json:"bank_name,omitempty"`
	BankAddress   string `json:"bank_address,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`

	BankTxID *string `json:"bank_tx_id,omitempty" gorm:"index"`
	BankTx   *BankTx `json:"bank_tx,omitempty" gorm:"foreignKey:BankTxID"`

	Tag FiatWalletTag `json:"-" gorm:"foreignKey:TagID"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// Settled reports whether the bank confirmation has arrived.
func (tx *FiatWalletTx) Settled() bool {
	return tx.BankTxID != nil
}

// BankTx is the bank-side confirmation record. Amount must equal the amount
// originally registered on the paired FiatWalletTx.
type BankTx struct {
	ID       string `json:"id" gorm:"primaryKey"`
	Metadata string `json:"metadata"`
	Date     int64  `json:"date" gorm:"not null"` // settlement date, unix seconds
	Amount   int64  `json:"amount" gorm:"not null"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
