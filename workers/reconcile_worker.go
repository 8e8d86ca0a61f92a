package workers

import (
	"context"
	"os"
	"time"

	"custody-ledger-system/chain"
	"custody-ledger-system/models"
	"custody-ledger-system/services"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReconcileWorker periodically pulls chain activity into the ledger. UTXO
// chains are swept through the watch key in one call; account-model chains
// are scanned address by address.
type ReconcileWorker struct {
	DB        *gorm.DB
	Reconcile *services.ReconcileService
	WatchKey  string
}

func NewReconcileWorker(db *gorm.DB, reconcile *services.ReconcileService) *ReconcileWorker {
	watchKey := os.Getenv("WATCH_KEY")
	if watchKey == "" && reconcile.Chain.Params().Kind == chain.KindUTXO {
		log.Fatal("WATCH_KEY environment variable is required for utxo chains")
	}
	return &ReconcileWorker{DB: db, Reconcile: reconcile, WatchKey: watchKey}
}

// Poll runs the reconcile loop until the context is cancelled. A failed pass
// is logged and retried whole on the next tick; merging is idempotent so
// overlap with a previous partial pass is harmless.
func (w *ReconcileWorker) Poll(ctx context.Context, pollInterval time.Duration) {
	log.Println("Starting chain reconcile polling...")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Chain reconcile polling stopped.")
			return
		case <-ticker.C:
			if err := w.runOnce(ctx); err != nil {
				log.Printf("reconcile pass failed: %v", err)
			}
		}
	}
}

func (w *ReconcileWorker) runOnce(ctx context.Context) error {
	if w.Reconcile.Chain.Params().Kind == chain.KindUTXO {
		return w.Reconcile.MergeUTXOs(ctx, w.WatchKey)
	}

	var addrs []models.Address
	if err := w.DB.Order("path_index ASC").Find(&addrs).Error; err != nil {
		return err
	}
	for _, a := range addrs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.Reconcile.MergeAccountTxs(ctx, a.Address); err != nil {
			log.Printf("scan of %s failed: %v", a.Address, err)
		}
	}
	return nil
}
