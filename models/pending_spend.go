// models/pending_spend.go
package models

import (
	"time"
)

const (
	PendingSpendStatePending  = "pending"
	PendingSpendStateComplete = "complete"
	PendingSpendStateError    = "error"
)

// WalletPendingSpend records a spend request in flight so an operator can
// correlate retries and inspect partial results.
type WalletPendingSpend struct {
	ID           string `json:"id" gorm:"primaryKey"`
	SpendCode    string `json:"spend_code" gorm:"uniqueIndex;not null"`
	TagID        string `json:"tag_id" gorm:"not null;index"`
	TagChangeID  string `json:"tag_change_id" gorm:"not null"`
	To           string `json:"to" gorm:"not null"`
	Amount       Amount `json:"amount"`
	State        string `json:"state" gorm:"default:'pending'"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	// Comma separated external transaction ids accumulated so far.
	TxIDs string `json:"txids"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
