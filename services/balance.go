// services/balance.go
package services

import (
	"math/big"

	"custody-ledger-system/models"

	"gorm.io/gorm"
)

// BalanceService derives balances from the ledger: +amount for incoming
// wallet txs, -amount-fee for outgoing (each row carrying its own fee share),
// optionally filtered by a minimum confirmation count. Always exact integers
// in the chain's minor unit.
type BalanceService struct {
	DB *gorm.DB
}

func NewBalanceService(db *gorm.DB) *BalanceService {
	return &BalanceService{DB: db}
}

// AddressBalance sums the direction-signed wallet txs of one address.
func (s *BalanceService) AddressBalance(addressID string, minConfirmations int64) (*big.Int, error) {
	var txs []models.WalletTx
	if err := s.DB.Preload("ChainTx").
		Where("address_id = ?", addressID).
		Find(&txs).Error; err != nil {
		return nil, err
	}
	return sumWalletTxs(txs, minConfirmations), nil
}

// TagBalance sums over every address of the tag.
func (s *BalanceService) TagBalance(ledger *LedgerService, tagName string, minConfirmations int64) (*big.Int, error) {
	txs, err := ledger.WalletTxsForTag(tagName)
	if err != nil {
		return nil, err
	}
	return sumWalletTxs(txs, minConfirmations), nil
}

// TagsBalance sums over several tags (consolidation sizing).
func (s *BalanceService) TagsBalance(ledger *LedgerService, tagNames []string, minConfirmations int64) (*big.Int, error) {
	total := new(big.Int)
	for _, name := range tagNames {
		b, err := s.TagBalance(ledger, name, minConfirmations)
		if err != nil {
			return nil, err
		}
		total.Add(total, b)
	}
	return total, nil
}

func sumWalletTxs(txs []models.WalletTx, minConfirmations int64) *big.Int {
	total := new(big.Int)
	for i := range txs {
		tx := &txs[i]
		if tx.ChainTx.Confirmations < minConfirmations {
			continue
		}
		switch tx.Direction {
		case models.DirectionIncoming:
			total.Add(total, tx.Amount.Big())
		case models.DirectionOutgoing:
			total.Sub(total, tx.Amount.Big())
			total.Sub(total, tx.Fee.Big())
		}
	}
	return total
}
