// services/fiat.go
package services

import (
	"errors"
	"fmt"
	"time"

	"custody-ledger-system/models"
	"custody-ledger-system/utils"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Settlement violations are not recoverable by retrying; the caller must stop
// and investigate.
var (
	ErrAlreadySettled = errors.New("fiat tx already settled")
	ErrAmountMismatch = errors.New("bank amount does not match registered amount")
	ErrWrongDirection = errors.New("fiat tx direction does not match update")
)

// FiatService tracks bank-side deposits and withdrawals. A tx is registered
// first with a unique deposit code, then settled exactly once when the bank
// confirmation arrives carrying the identical amount.
type FiatService struct {
	DB *gorm.DB
}

func NewFiatService(db *gorm.DB) *FiatService {
	return &FiatService{DB: db}
}

func (s *FiatService) TagGetOrCreate(name string) (*models.FiatWalletTag, error) {
	normalized := slug.Make(name)
	if normalized == "" {
		return nil, fmt.Errorf("invalid tag name %q", name)
	}
	var tag models.FiatWalletTag
	err := s.DB.Where(models.FiatWalletTag{Name: normalized}).
		Attrs(models.FiatWalletTag{ID: uuid.NewString()}).
		FirstOrCreate(&tag).Error
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// newDepositCode retries until the generated code is unused. Codes are short
// enough that collisions are possible, never acceptable.
func (s *FiatService) newDepositCode() (string, error) {
	for {
		code := utils.GenerateCode(utils.CodeLength())
		var n int64
		if err := s.DB.Model(&models.FiatWalletTx{}).
			Where("deposit_code = ?", code).Count(&n).Error; err != nil {
			return "", err
		}
		if n == 0 {
			return code, nil
		}
	}
}

// RegisterDeposit records an expected incoming bank payment for the tag.
func (s *FiatService) RegisterDeposit(tagName string, amount int64) (*models.FiatWalletTx, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive")
	}
	tag, err := s.TagGetOrCreate(tagName)
	if err != nil {
		return nil, err
	}
	code, err := s.newDepositCode()
	if err != nil {
		return nil, err
	}
	tx := models.FiatWalletTx{
		ID:          uuid.NewString(),
		DepositCode: code,
		TagID:       tag.ID,
		Direction:   models.DirectionIncoming,
		Date:        time.Now().Unix(),
		Amount:      amount,
	}
	if err := s.DB.Create(&tx).Error; err != nil {
		return nil, err
	}
	log.Printf("registered deposit %s for tag '%s' (%d)", code, tag.Name, amount)
	return &tx, nil
}

// BankAccount is the destination snapshot captured on a withdrawal, so later
// changes to the customer's account details never rewrite history.
type BankAccount struct {
	BankName      string `json:"bank_name"`
	BankAddress   string `json:"bank_address"`
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
}

// RegisterWithdrawal records an expected outgoing bank payment for the tag.
func (s *FiatService) RegisterWithdrawal(tagName string, amount int64, account BankAccount) (*models.FiatWalletTx, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive")
	}
	tag, err := s.TagGetOrCreate(tagName)
	if err != nil {
		return nil, err
	}
	code, err := s.newDepositCode()
	if err != nil {
		return nil, err
	}
	tx := models.FiatWalletTx{
		ID:            uuid.NewString(),
		DepositCode:   code,
		TagID:         tag.ID,
		Direction:     models.DirectionOutgoing,
		Date:          time.Now().Unix(),
		Amount:        amount,
		BankName:      account.BankName,
		BankAddress:   account.BankAddress,
		AccountName:   account.AccountName,
		AccountNumber: account.AccountNumber,
	}
	if err := s.DB.Create(&tx).Error; err != nil {
		return nil, err
	}
	log.Printf("registered withdrawal %s for tag '%s' (%d)", code, tag.Name, amount)
	return &tx, nil
}

// UpdateDeposit settles a registered deposit against the bank confirmation.
func (s *FiatService) UpdateDeposit(depositCode string, date, amount int64, metadata string) (*models.FiatWalletTx, error) {
	return s.settle(depositCode, models.DirectionIncoming, date, amount, metadata)
}

// UpdateWithdrawal settles a registered withdrawal against the bank
// confirmation.
func (s *FiatService) UpdateWithdrawal(depositCode string, date, amount int64, metadata string) (*models.FiatWalletTx, error) {
	return s.settle(depositCode, models.DirectionOutgoing, date, amount, metadata)
}

func (s *FiatService) settle(depositCode, direction string, date, amount int64, metadata string) (*models.FiatWalletTx, error) {
	var ftx models.FiatWalletTx
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("deposit_code = ?", depositCode).First(&ftx).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("no fiat tx with code %s", depositCode)
			}
			return err
		}
		if ftx.Direction != direction {
			return fmt.Errorf("%w: tx %s is %s", ErrWrongDirection, depositCode, ftx.Direction)
		}
		if ftx.Settled() {
			return fmt.Errorf("%w: %s", ErrAlreadySettled, depositCode)
		}
		if ftx.Amount != amount {
			return fmt.Errorf("%w: registered %d, bank says %d", ErrAmountMismatch, ftx.Amount, amount)
		}
		bank := models.BankTx{
			ID:       uuid.NewString(),
			Metadata: metadata,
			Date:     date,
			Amount:   amount,
		}
		if err := tx.Create(&bank).Error; err != nil {
			return err
		}
		ftx.BankTxID = &bank.ID
		ftx.BankTx = &bank
		return tx.Model(&models.FiatWalletTx{}).Where("id = ?", ftx.ID).
			Update("bank_tx_id", bank.ID).Error
	})
	if err != nil {
		return nil, err
	}
	log.Printf("settled fiat %s %s (%d)", direction, depositCode, amount)
	return &ftx, nil
}

// GetTx looks a fiat tx up by deposit code.
func (s *FiatService) GetTx(depositCode string) (*models.FiatWalletTx, bool, error) {
	var ftx models.FiatWalletTx
	if err := s.DB.Preload("BankTx").Where("deposit_code = ?", depositCode).First(&ftx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &ftx, true, nil
}

// TxsForTag lists all fiat txs of the tag, oldest first.
func (s *FiatService) TxsForTag(tagName string) ([]models.FiatWalletTx, error) {
	tag, err := s.TagGetOrCreate(tagName)
	if err != nil {
		return nil, err
	}
	var txs []models.FiatWalletTx
	if err := s.DB.Preload("BankTx").Where("tag_id = ?", tag.ID).
		Order("date ASC, created_at ASC").Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

// PendingTxs lists the tag's registered-but-unsettled txs in one direction.
func (s *FiatService) PendingTxs(tagName, direction string) ([]models.FiatWalletTx, error) {
	tag, err := s.TagGetOrCreate(tagName)
	if err != nil {
		return nil, err
	}
	var txs []models.FiatWalletTx
	if err := s.DB.Where("tag_id = ? AND direction = ? AND bank_tx_id IS NULL", tag.ID, direction).
		Order("date ASC, created_at ASC").Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

// TagBalance sums settled txs only: an unsettled registration is an
// expectation, not money.
func (s *FiatService) TagBalance(tagName string) (int64, error) {
	txs, err := s.TxsForTag(tagName)
	if err != nil {
		return 0, err
	}
	var total int64
	for i := range txs {
		if !txs[i].Settled() {
			continue
		}
		switch txs[i].Direction {
		case models.DirectionIncoming:
			total += txs[i].Amount
		case models.DirectionOutgoing:
			total -= txs[i].Amount
		}
	}
	return total, nil
}
