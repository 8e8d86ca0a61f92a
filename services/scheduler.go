// services/scheduler.go
package services

import (
	"context"
	"os"
	"strconv"
	"time"

	"custody-ledger-system/chain"
	"custody-ledger-system/models"

	"github.com/go-co-op/gocron/v2"
	log "github.com/sirupsen/logrus"
)

// rebroadcastAfter is how long a submitted tx may sit unconfirmed before the
// cached signed bytes are pushed to the network again.
const rebroadcastAfter = 5 * time.Minute

func confirmedThreshold() int64 {
	if s := os.Getenv("MIN_CONFIRMATIONS"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 3
}

// StartNetworkScheduler runs the broadcast-lifecycle maintenance jobs:
// rebroadcast our own stale unconfirmed txs and settle statuses once the
// reconciler has observed enough confirmations.
func (s *ReconcileService) StartNetworkScheduler() gocron.Scheduler {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every minute: push stale unconfirmed broadcasts again
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			s.RebroadcastStale(context.Background())
		}),
	)

	// Every minute: flip broadcast -> confirmed past the threshold
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			s.SettleNetworkStatuses(confirmedThreshold())
		}),
	)

	return sched
}

// RebroadcastStale resubmits cached signed txs that are still unconfirmed and
// have not been pushed recently. Failures are logged and retried next tick.
func (s *ReconcileService) RebroadcastStale(ctx context.Context) {
	cutoff := time.Now().Add(-rebroadcastAfter)
	var statuses []models.ChainTxNetworkStatus
	err := s.DB.Where("status = ? AND last_broadcast < ?", models.NetworkStatusBroadcast, cutoff).
		Find(&statuses).Error
	if err != nil {
		log.Printf("[Scheduler] DB error: %v", err)
		return
	}
	for _, st := range statuses {
		if len(st.SignedTx) == 0 {
			continue
		}
		var ctxRow models.ChainTx
		if err := s.DB.Where("id = ?", st.ChainTxID).First(&ctxRow).Error; err != nil {
			log.Printf("[Scheduler] missing chain tx %s: %v", st.ChainTxID, err)
			continue
		}
		if ctxRow.Confirmations > 0 {
			continue
		}
		res := s.Chain.Broadcast(ctx, st.SignedTx)
		if !res.Success && res.ErrCode == chain.BroadcastErrNoNetwork {
			// Network unreachable, retry on the next tick.
			continue
		}
		if !res.Success {
			// Rejections here usually mean the network already knows the
			// tx; the reconciler decides by whether confirmations arrive.
			log.Printf("[Scheduler] rebroadcast of %s rejected: %s", ctxRow.TxID, res.Message)
		}
		if err := s.DB.Model(&models.ChainTxNetworkStatus{}).Where("id = ?", st.ID).
			Update("last_broadcast", time.Now()).Error; err != nil {
			log.Printf("[Scheduler] failed to stamp rebroadcast of %s: %v", ctxRow.TxID, err)
		} else {
			log.Printf("[Scheduler] rebroadcast %s", ctxRow.TxID)
		}
	}
}

// SettleNetworkStatuses marks our broadcasts confirmed once the observed
// confirmation count crosses the threshold.
func (s *ReconcileService) SettleNetworkStatuses(minConfirmations int64) {
	var statuses []models.ChainTxNetworkStatus
	err := s.DB.Where("status = ?", models.NetworkStatusBroadcast).Find(&statuses).Error
	if err != nil {
		log.Printf("[Scheduler] DB error: %v", err)
		return
	}
	for _, st := range statuses {
		var ctxRow models.ChainTx
		if err := s.DB.Where("id = ?", st.ChainTxID).First(&ctxRow).Error; err != nil {
			continue
		}
		if ctxRow.Confirmations < minConfirmations {
			continue
		}
		if err := s.DB.Model(&models.ChainTxNetworkStatus{}).Where("id = ?", st.ID).
			Update("status", models.NetworkStatusConfirmed).Error; err != nil {
			log.Printf("[Scheduler] failed to confirm %s: %v", ctxRow.TxID, err)
		} else {
			log.Printf("[Scheduler] confirmed %s (%d confirmations)", ctxRow.TxID, ctxRow.Confirmations)
		}
	}
}
