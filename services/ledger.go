// services/ledger.go
package services

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"custody-ledger-system/chain"
	"custody-ledger-system/models"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerService is the durable ledger store: tags, addresses, chain txs and
// wallet txs, with unique-key lookups and the transactional path-index
// counter.
type LedgerService struct {
	DB    *gorm.DB
	Chain chain.Client
}

func NewLedgerService(db *gorm.DB, client chain.Client) *LedgerService {
	return &LedgerService{DB: db, Chain: client}
}

// CheckWalletType verifies the store was created for this chain. A fresh
// store is stamped; a mismatch is fatal, the operator pointed the service at
// the wrong database.
func (s *LedgerService) CheckWalletType() error {
	code := s.Chain.Params().Code
	var cfg models.Cfg
	err := s.DB.Where("key = ?", models.CfgKeyWalletType).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.DB.Create(&models.Cfg{Key: models.CfgKeyWalletType, Value: code}).Error
	}
	if err != nil {
		return err
	}
	if cfg.Value != code {
		return fmt.Errorf("wallet type in store (%s) does not match configured chain (%s)", cfg.Value, code)
	}
	return nil
}

// TagGetOrCreate returns the tag, creating it on first use. Names are
// slugified so user-entered tags stay stable lookup keys.
func (s *LedgerService) TagGetOrCreate(name string) (*models.Tag, error) {
	normalized := slug.Make(name)
	if normalized == "" {
		return nil, fmt.Errorf("invalid tag name %q", name)
	}
	var tag models.Tag
	err := s.DB.Where(models.Tag{Name: normalized}).
		Attrs(models.Tag{ID: uuid.NewString()}).
		FirstOrCreate(&tag).Error
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// TagGet returns the tag without creating it.
func (s *LedgerService) TagGet(name string) (*models.Tag, bool, error) {
	var tag models.Tag
	if err := s.DB.Where("name = ?", slug.Make(name)).First(&tag).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &tag, true, nil
}

// Tags lists all tags.
func (s *LedgerService) Tags() ([]models.Tag, error) {
	var tags []models.Tag
	if err := s.DB.Order("created_at ASC").Find(&tags).Error; err != nil {
		return nil, err
	}
	return tags, nil
}

// AddressGet looks an address up by its unique address string.
func (s *LedgerService) AddressGet(address string) (*models.Address, bool, error) {
	var addr models.Address
	if err := s.DB.Where("address = ?", address).First(&addr).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &addr, true, nil
}

// AddressesForTag returns the tag's addresses in listing (derivation) order.
// Spend planners walk candidates in exactly this order.
func (s *LedgerService) AddressesForTag(tagName string) ([]models.Address, error) {
	tag, ok, err := s.TagGet(tagName)
	if err != nil || !ok {
		return nil, err
	}
	var addrs []models.Address
	if err := s.DB.Where("tag_id = ?", tag.ID).
		Order("path_index ASC, created_at ASC").
		Find(&addrs).Error; err != nil {
		return nil, err
	}
	return addrs, nil
}

// PathIndexFor resolves an owned address string to its derivation index, for
// the UTXO signer.
func (s *LedgerService) PathIndexFor(address string) (uint32, bool) {
	addr, ok, err := s.AddressGet(address)
	if err != nil || !ok {
		return 0, false
	}
	return addr.PathIndex, true
}

// NewAddress derives the next receiving address for a tag. The last path
// index lives in the cfg table and is bumped inside the same transaction as
// the address row, so there is no process-wide counter to race on.
func (s *LedgerService) NewAddress(tagName string) (*models.Address, error) {
	tag, err := s.TagGetOrCreate(tagName)
	if err != nil {
		return nil, err
	}
	var created models.Address
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		next, err := s.nextCounter(tx, models.CfgKeyLastPathIndex)
		if err != nil {
			return err
		}
		index := uint32(next)
		addrStr, path, err := s.Chain.DeriveNewAddress(index)
		if err != nil {
			return fmt.Errorf("address derivation failed: %w", err)
		}
		created = models.Address{
			ID:        uuid.NewString(),
			TagID:     tag.ID,
			Path:      path,
			PathIndex: index,
			Address:   addrStr,
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return nil, err
	}
	log.Printf("new address %s (index %d) for tag '%s'", created.Address, created.PathIndex, tag.Name)
	return &created, nil
}

// nextCounter bumps a cfg-table counter and returns the new value. Row is
// locked where the backend supports it; sqlite serializes writers anyway.
func (s *LedgerService) nextCounter(tx *gorm.DB, key string) (int64, error) {
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var cfg models.Cfg
	err := q.Where("key = ?", key).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cfg = models.Cfg{Key: key, Value: "1"}
		if err := tx.Create(&cfg).Error; err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	last, err := strconv.ParseInt(cfg.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s=%q: %w", key, cfg.Value, err)
	}
	next := last + 1
	if err := tx.Model(&models.Cfg{}).Where("key = ?", key).
		Update("value", strconv.FormatInt(next, 10)).Error; err != nil {
		return 0, err
	}
	return next, nil
}

// ChainTxGet looks a chain tx up by its external transaction id.
func (s *LedgerService) ChainTxGet(txid string) (*models.ChainTx, bool, error) {
	var ctx models.ChainTx
	if err := s.DB.Where("tx_id = ?", txid).First(&ctx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &ctx, true, nil
}

// WalletTxGet returns the unique wallet tx for (address, chain tx, direction).
func (s *LedgerService) WalletTxGet(addressID, chainTxID, direction string) (*models.WalletTx, bool, error) {
	var wtx models.WalletTx
	err := s.DB.Where("address_id = ? AND chain_tx_id = ? AND direction = ?",
		addressID, chainTxID, direction).First(&wtx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &wtx, true, nil
}

// WalletTxsForTag unions wallet txs over all addresses of the tag, chain tx
// preloaded, oldest first.
func (s *LedgerService) WalletTxsForTag(tagName string) ([]models.WalletTx, error) {
	addrs, err := s.AddressesForTag(tagName)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(addrs))
	for i, a := range addrs {
		ids[i] = a.ID
	}
	var txs []models.WalletTx
	if err := s.DB.Preload("ChainTx").Where("address_id IN ?", ids).
		Order("created_at ASC").Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

// UnacknowledgedForTag lists wallet txs the caller has not acknowledged yet.
func (s *LedgerService) UnacknowledgedForTag(tagName string) ([]models.WalletTx, error) {
	addrs, err := s.AddressesForTag(tagName)
	if err != nil || len(addrs) == 0 {
		return nil, err
	}
	ids := make([]string, len(addrs))
	for i, a := range addrs {
		ids[i] = a.ID
	}
	var txs []models.WalletTx
	if err := s.DB.Preload("ChainTx").
		Where("address_id IN ? AND acknowledged = ?", ids, false).
		Order("created_at ASC").Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

// Acknowledge marks wallet txs as seen.
func (s *LedgerService) Acknowledge(walletTxIDs []string) error {
	if len(walletTxIDs) == 0 {
		return nil
	}
	return s.DB.Model(&models.WalletTx{}).
		Where("id IN ?", walletTxIDs).
		Update("acknowledged", true).Error
}

// OutgoingDebit is the value one owned address loses in a spend: the inputs
// it contributed minus any output returned to it, split into the value leaving
// and the fee share it bore.
type OutgoingDebit struct {
	AddressID string
	Amount    models.Amount // value leaving the address, fee excluded
	Fee       models.Amount // portion of the tx fee borne by this address
}

// OutgoingRecord is everything needed to append a broadcast spend to the
// ledger as one logical unit.
type OutgoingRecord struct {
	TxID         string
	Fee          models.Amount   // total tx fee, recorded on the chain tx
	Debits       []OutgoingDebit // one outgoing wallet tx per funding address
	OnBehalfOf   string
	Note         string
	Inputs       []chain.UTXO  // utxo kind
	Outputs      []chain.TxOut // utxo kind
	OutputOwners []*string     // address id per output, nil if external
	OutputTagFor *string       // tag attribution for the destination output
	SignedRaw    []byte        // cached for rebroadcast, utxo kind
}

// RecordOutgoing appends the chain tx, its inputs/outputs and one outgoing
// wallet tx per debited address in a single database transaction. Called only
// after the chain client acknowledged the broadcast.
func (s *LedgerService) RecordOutgoing(rec *OutgoingRecord) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		ctx := models.ChainTx{
			ID:     uuid.NewString(),
			TxID:   rec.TxID,
			Date:   time.Now().Unix(),
			Height: -1,
			Fee:    rec.Fee,
		}
		if err := tx.Create(&ctx).Error; err != nil {
			return err
		}
		status := models.ChainTxNetworkStatus{
			ID:            uuid.NewString(),
			ChainTxID:     ctx.ID,
			Status:        models.NetworkStatusBroadcast,
			LastBroadcast: time.Now(),
			SignedTx:      rec.SignedRaw,
		}
		if err := tx.Create(&status).Error; err != nil {
			return err
		}
		for _, in := range rec.Inputs {
			var ownerID *string
			if addr, ok, _ := s.AddressGet(in.Address); ok {
				ownerID = &addr.ID
			}
			row := models.TxInput{
				ID:        uuid.NewString(),
				ChainTxID: ctx.ID,
				PrevTxID:  in.TxID,
				PrevN:     in.N,
				Address:   in.Address,
				AddressID: ownerID,
				Amount:    models.NewAmountBig(in.Amount),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			// Mark the consumed outpoint spent if the ledger knows it.
			prev := tx.Model(&models.ChainTx{}).Select("id").Where("tx_id = ?", in.TxID)
			if err := tx.Model(&models.TxOutput{}).
				Where("chain_tx_id IN (?) AND n = ?", prev, in.N).
				Update("spent", true).Error; err != nil {
				return err
			}
		}
		for i, out := range rec.Outputs {
			row := models.TxOutput{
				ID:        uuid.NewString(),
				ChainTxID: ctx.ID,
				N:         uint32(i),
				Address:   out.Address,
				Amount:    models.NewAmountBig(out.Amount),
			}
			if i < len(rec.OutputOwners) {
				row.AddressID = rec.OutputOwners[i]
			}
			if i == 0 {
				row.TagForID = rec.OutputTagFor
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		for _, d := range rec.Debits {
			meta, err := s.nextCounter(tx, models.CfgKeyLastMetaID)
			if err != nil {
				return err
			}
			wtx := models.WalletTx{
				ID:         uuid.NewString(),
				ChainTxID:  ctx.ID,
				AddressID:  d.AddressID,
				Direction:  models.DirectionOutgoing,
				Amount:     d.Amount,
				Fee:        d.Fee,
				OnBehalfOf: rec.OnBehalfOf,
				Note:       rec.Note,
				MetaID:     meta,
			}
			if err := tx.Create(&wtx).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Pending spend bookkeeping.

func (s *LedgerService) CreatePendingSpend(tagID, tagChangeID, to string, amount models.Amount, code string) (*models.WalletPendingSpend, error) {
	ps := models.WalletPendingSpend{
		ID:          uuid.NewString(),
		SpendCode:   code,
		TagID:       tagID,
		TagChangeID: tagChangeID,
		To:          to,
		Amount:      amount,
		State:       models.PendingSpendStatePending,
	}
	if err := s.DB.Create(&ps).Error; err != nil {
		return nil, err
	}
	return &ps, nil
}

func (s *LedgerService) PendingSpendGet(code string) (*models.WalletPendingSpend, bool, error) {
	var ps models.WalletPendingSpend
	if err := s.DB.Where("spend_code = ?", code).First(&ps).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &ps, true, nil
}

func (s *LedgerService) UpdatePendingSpend(ps *models.WalletPendingSpend) error {
	return s.DB.Save(ps).Error
}
