// services/reconcile.go
package services

import (
	"context"
	"fmt"
	"time"

	"custody-ledger-system/chain"
	"custody-ledger-system/models"
	"custody-ledger-system/utils"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReconcileService merges externally observed chain activity into the ledger.
// Merging is idempotent: the same observation applied twice leaves exactly one
// wallet tx per (address, chain tx, direction) and refreshes confirmations.
// Each external transaction id is one unit of work in its own database
// transaction, so an aborted sweep can simply be resumed.
type ReconcileService struct {
	DB     *gorm.DB
	Ledger *LedgerService
	Chain  chain.Client
}

func NewReconcileService(db *gorm.DB, ledger *LedgerService, client chain.Client) *ReconcileService {
	return &ReconcileService{DB: db, Ledger: ledger, Chain: client}
}

// MergeUTXOs pulls the unspent set for the watch key and merges every output.
// Outputs whose owning address cannot be resolved are logged and skipped; one
// bad item never aborts the batch.
func (s *ReconcileService) MergeUTXOs(ctx context.Context, watchKey string) error {
	set, err := s.Chain.GetUTXOs(ctx, watchKey)
	if err != nil {
		return fmt.Errorf("utxo listing failed: %w", err)
	}
	merged, skipped := 0, 0
	for _, group := range [][]chain.UTXO{set.Confirmed, set.Unconfirmed} {
		for _, u := range group {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.mergeUTXO(u, set.CurrentHeight); err != nil {
				log.Printf("skipping utxo %s:%d: %v", u.TxID, u.N, err)
				skipped++
				continue
			}
			merged++
		}
	}
	if skipped > 0 {
		log.Printf("utxo merge: %d merged, %d skipped", merged, skipped)
	}
	return nil
}

func (s *ReconcileService) mergeUTXO(u chain.UTXO, currentHeight int64) error {
	confirmations := u.Confirmations
	if confirmations == 0 && u.Height >= 0 && currentHeight >= u.Height {
		confirmations = currentHeight - u.Height + 1
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		ctxRow, err := s.ensureChainTx(tx, u.TxID, time.Now().Unix(), u.Height, confirmations, models.NewAmount(0), nil)
		if err != nil {
			return err
		}

		var ownerID *string
		owner, owned, err := s.Ledger.AddressGet(u.Address)
		if err != nil {
			return err
		}
		if owned {
			ownerID = &owner.ID
		}

		out := models.TxOutput{
			ID:        uuid.NewString(),
			ChainTxID: ctxRow.ID,
			N:         u.N,
			Address:   u.Address,
			AddressID: ownerID,
			Amount:    models.NewAmountBig(u.Amount),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chain_tx_id"}, {Name: "n"}},
			DoUpdates: clause.AssignmentColumns([]string{"address", "address_id", "amount"}),
		}).Create(&out).Error; err != nil {
			return err
		}

		if !owned {
			// Listing came from our watch key, so this is a tracked
			// address string the store has no row for.
			return fmt.Errorf("no owning address for %s", u.Address)
		}

		// Wallet tx amount is the sum of this tx's outputs paid to the
		// owning address (a tx may fund the same address more than once).
		var outs []models.TxOutput
		if err := tx.Where("chain_tx_id = ? AND address_id = ?", ctxRow.ID, owner.ID).Find(&outs).Error; err != nil {
			return err
		}
		total := models.NewAmount(0)
		for i := range outs {
			total.Add(&total.Int, &outs[i].Amount.Int)
		}
		return s.ensureWalletTx(tx, owner.ID, ctxRow.ID, models.DirectionIncoming, total, models.NewAmount(0), "")
	})
}

// MergeAccountTxs pages through the address history and merges every
// transaction. The scan is abortable between pages; merged progress is kept.
func (s *ReconcileService) MergeAccountTxs(ctx context.Context, address string) error {
	owner, ok, err := s.Ledger.AddressGet(address)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("address %s not in ledger", address)
	}
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		txs, next, err := s.Chain.ListTransactions(ctx, address, cursor)
		if err != nil {
			return fmt.Errorf("transaction listing failed: %w", err)
		}
		for _, t := range txs {
			if err := s.mergeAccountTx(ctx, owner, address, t); err != nil {
				log.Printf("skipping tx %s: %v", t.TxID, err)
			}
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

func (s *ReconcileService) mergeAccountTx(ctx context.Context, owner *models.Address, address string, t chain.AccountTx) error {
	var direction string
	amount := models.NewAmountBig(t.Amount)
	fee := models.NewAmount(0)
	switch {
	case t.To == address && t.From == address:
		// self transfer: only the fee leaves the wallet
		direction = models.DirectionOutgoing
		amount = models.NewAmount(0)
		fee = models.NewAmountBig(t.Fee)
	case t.To == address:
		direction = models.DirectionIncoming
	case t.From == address:
		direction = models.DirectionOutgoing
		fee = models.NewAmountBig(t.Fee)
	default:
		return fmt.Errorf("tx does not involve %s", address)
	}

	attachment := t.Attachment
	attachmentKey := ""
	if len(attachment) > utils.AttachmentInlineLimit && utils.ArchiveEnabled() {
		attachmentKey = "attachments/" + t.TxID
		if err := utils.ArchiveAttachment(ctx, attachmentKey, attachment); err != nil {
			// keep it inline rather than lose it
			log.Printf("attachment archive failed for %s: %v", t.TxID, err)
			attachmentKey = ""
		} else {
			attachment = nil
		}
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		date := t.Date
		if date == 0 {
			date = time.Now().Unix()
		}
		ctxRow, err := s.ensureChainTx(tx, t.TxID, date, t.Height, t.Confirmations, models.NewAmountBig(t.Fee), attachment)
		if err != nil {
			return err
		}
		if attachmentKey != "" && ctxRow.AttachmentKey == "" {
			if err := tx.Model(&models.ChainTx{}).Where("id = ?", ctxRow.ID).
				Update("attachment_key", attachmentKey).Error; err != nil {
				return err
			}
		}
		return s.ensureWalletTx(tx, owner.ID, ctxRow.ID, direction, amount, fee, "")
	})
}

// ensureChainTx creates the chain tx on first sight or refreshes height and
// confirmations in place so reorgs update the row rather than append a copy.
func (s *ReconcileService) ensureChainTx(tx *gorm.DB, txid string, date, height, confirmations int64, fee models.Amount, attachment []byte) (*models.ChainTx, error) {
	var row models.ChainTx
	err := tx.Where("tx_id = ?", txid).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		row = models.ChainTx{
			ID:            uuid.NewString(),
			TxID:          txid,
			Date:          date,
			Height:        height,
			Confirmations: confirmations,
			Fee:           fee,
			Attachment:    attachment,
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{
		"height":        height,
		"confirmations": confirmations,
	}
	if err := tx.Model(&models.ChainTx{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	row.Height = height
	row.Confirmations = confirmations
	return &row, nil
}

// ensureWalletTx creates the wallet tx only if the (address, chain tx,
// direction) triple is absent; refreshes amount and fee otherwise.
func (s *ReconcileService) ensureWalletTx(tx *gorm.DB, addressID, chainTxID, direction string, amount, fee models.Amount, onBehalfOf string) error {
	var existing models.WalletTx
	err := tx.Where("address_id = ? AND chain_tx_id = ? AND direction = ?",
		addressID, chainTxID, direction).First(&existing).Error
	if err == nil {
		if existing.Amount.Cmp(&amount.Int) != 0 || existing.Fee.Cmp(&fee.Int) != 0 {
			return tx.Model(&models.WalletTx{}).Where("id = ?", existing.ID).
				Updates(map[string]interface{}{"amount": amount, "fee": fee}).Error
		}
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	meta, err := s.Ledger.nextCounter(tx, models.CfgKeyLastMetaID)
	if err != nil {
		return err
	}
	wtx := models.WalletTx{
		ID:         uuid.NewString(),
		ChainTxID:  chainTxID,
		AddressID:  addressID,
		Direction:  direction,
		Amount:     amount,
		Fee:        fee,
		OnBehalfOf: onBehalfOf,
		MetaID:     meta,
	}
	return tx.Create(&wtx).Error
}
