// services/spend.go
package services

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"custody-ledger-system/chain"
	"custody-ledger-system/models"
	"custody-ledger-system/utils"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SpendResult is the outcome taxonomy shared by Spend and Consolidate.
type SpendResult string

const (
	SpendSuccess           SpendResult = "success"
	SpendMaxFeeBreached    SpendResult = "max_fee_breached"
	SpendInsufficientFunds SpendResult = "insufficient_funds"
	SpendFailedBroadcast   SpendResult = "failed_broadcast"
	SpendPartialBroadcast  SpendResult = "partial_broadcast"
)

// Fee negotiation is a fixed point (the change output changes the size that
// sets the fee that sizes the change); bound it instead of trusting it.
const maxFeeIterations = 20

// SpendService plans and executes outgoing spends. One algorithm per chain
// kind behind a single entry point; the ledger is only touched after the
// chain client acknowledges a broadcast.
type SpendService struct {
	DB       *gorm.DB
	Ledger   *LedgerService
	Balance  *BalanceService
	Chain    chain.Client
	WatchKey string

	tagLocks sync.Map // tag name -> *sync.Mutex
}

func NewSpendService(db *gorm.DB, ledger *LedgerService, balance *BalanceService, client chain.Client, watchKey string) *SpendService {
	return &SpendService{DB: db, Ledger: ledger, Balance: balance, Chain: client, WatchKey: watchKey}
}

// lockTags serializes spend planning against the named tags. Locks are taken
// in sorted order so overlapping consolidates cannot deadlock.
func (s *SpendService) lockTags(names ...string) func() {
	uniq := map[string]bool{}
	for _, n := range names {
		uniq[n] = true
	}
	sorted := make([]string, 0, len(uniq))
	for n := range uniq {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	locked := make([]*sync.Mutex, 0, len(sorted))
	for _, n := range sorted {
		v, _ := s.tagLocks.LoadOrStore(n, &sync.Mutex{})
		mu := v.(*sync.Mutex)
		mu.Lock()
		locked = append(locked, mu)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// Spend pays amount to destination from the tag's funds, change to changeTag.
// feeMax is the caller's hard fee ceiling; feeUnit is the chain's fee pricing
// unit (sat/byte, gas price, or the flat per-tx fee).
func (s *SpendService) Spend(ctx context.Context, tag, changeTag, to string, amount, feeMax, feeUnit *big.Int) (SpendResult, []string, error) {
	unlock := s.lockTags(tag)
	defer unlock()

	tagRow, err := s.Ledger.TagGetOrCreate(tag)
	if err != nil {
		return SpendFailedBroadcast, nil, err
	}
	changeRow, err := s.Ledger.TagGetOrCreate(changeTag)
	if err != nil {
		return SpendFailedBroadcast, nil, err
	}
	pending, err := s.createPending(tagRow.ID, changeRow.ID, to, amount)
	if err != nil {
		return SpendFailedBroadcast, nil, err
	}

	var result SpendResult
	var txids []string
	switch s.Chain.Params().Kind {
	case chain.KindUTXO:
		result, txids, err = s.spendUTXO(ctx, tag, changeTag, to, amount, feeMax, feeUnit)
	case chain.KindAccount:
		result, txids, err = s.spendAccount(ctx, tag, to, amount, feeMax, feeUnit)
	case chain.KindFixedFee:
		result, txids, err = s.spendFixedFee(ctx, tag, to, amount, feeMax, feeUnit)
	default:
		err = fmt.Errorf("unknown chain kind %q", s.Chain.Params().Kind)
	}
	s.finishPending(pending, result, txids, err)
	return result, txids, err
}

func (s *SpendService) createPending(tagID, changeTagID, to string, amount *big.Int) (*models.WalletPendingSpend, error) {
	code := utils.GenerateCode(utils.CodeLength())
	for {
		_, exists, err := s.Ledger.PendingSpendGet(code)
		if err != nil {
			return nil, err
		}
		if !exists {
			break
		}
		code = utils.GenerateCode(utils.CodeLength())
	}
	return s.Ledger.CreatePendingSpend(tagID, changeTagID, to, models.NewAmountBig(amount), code)
}

func (s *SpendService) finishPending(pending *models.WalletPendingSpend, result SpendResult, txids []string, err error) {
	pending.TxIDs = strings.Join(txids, ",")
	switch {
	case err != nil:
		pending.State = models.PendingSpendStateError
		code := result
		if code == "" || code == SpendSuccess {
			code = SpendFailedBroadcast
		}
		pending.ErrorCode = string(code)
		pending.ErrorMessage = err.Error()
	case result == SpendSuccess:
		pending.State = models.PendingSpendStateComplete
	default:
		pending.State = models.PendingSpendStateError
		pending.ErrorCode = string(result)
	}
	if uerr := s.Ledger.UpdatePendingSpend(pending); uerr != nil {
		log.Printf("failed to update pending spend %s: %v", pending.SpendCode, uerr)
	}
}

// ---- UTXO arm ----

// candidateCoins returns the spendable coins held by the tags' addresses, in
// listing order, confirmed first.
func (s *SpendService) candidateCoins(ctx context.Context, tags ...string) ([]chain.UTXO, map[string]models.Address, error) {
	owned := map[string]models.Address{}
	for _, tag := range tags {
		addrs, err := s.Ledger.AddressesForTag(tag)
		if err != nil {
			return nil, nil, err
		}
		for _, a := range addrs {
			owned[a.Address] = a
		}
	}
	set, err := s.Chain.GetUTXOs(ctx, s.WatchKey)
	if err != nil {
		return nil, nil, err
	}
	var coins []chain.UTXO
	for _, group := range [][]chain.UTXO{set.Confirmed, set.Unconfirmed} {
		for _, u := range group {
			if _, ok := owned[u.Address]; ok {
				coins = append(coins, u)
			}
		}
	}
	return coins, owned, nil
}

// planDebits splits the outflow of a utxo transaction across the addresses
// that funded it. Each address is debited the inputs it contributed minus any
// output value returned to it, with the fee apportioned greedily in funding
// order so debit equals amount plus fee share on every row.
func planDebits(selected []chain.UTXO, owned map[string]models.Address, returnTo *string, returned, fee *big.Int) []OutgoingDebit {
	var order []string
	byAddr := map[string]*big.Int{}
	for _, u := range selected {
		addr := owned[u.Address]
		if _, ok := byAddr[addr.ID]; !ok {
			order = append(order, addr.ID)
			byAddr[addr.ID] = new(big.Int)
		}
		byAddr[addr.ID].Add(byAddr[addr.ID], u.Amount)
	}
	if returnTo != nil {
		if in, ok := byAddr[*returnTo]; ok {
			in.Sub(in, returned)
		}
	}
	feeLeft := new(big.Int).Set(fee)
	debits := make([]OutgoingDebit, 0, len(order))
	for _, id := range order {
		net := byAddr[id]
		if net.Sign() <= 0 {
			continue
		}
		share := new(big.Int).Set(feeLeft)
		if net.Cmp(share) < 0 {
			share.Set(net)
		}
		feeLeft.Sub(feeLeft, share)
		debits = append(debits, OutgoingDebit{
			AddressID: id,
			Amount:    models.NewAmountBig(new(big.Int).Sub(net, share)),
			Fee:       models.NewAmountBig(share),
		})
	}
	return debits
}

func (s *SpendService) spendUTXO(ctx context.Context, tag, changeTag, to string, amount, feeMax, feeUnit *big.Int) (SpendResult, []string, error) {
	coins, owned, err := s.candidateCoins(ctx, tag)
	if err != nil {
		return SpendFailedBroadcast, nil, err
	}

	// Greedy selection in listing order until the target is covered.
	var selected []chain.UTXO
	totalIn := new(big.Int)
	for _, u := range coins {
		selected = append(selected, u)
		totalIn.Add(totalIn, u.Amount)
		if totalIn.Cmp(amount) >= 0 {
			break
		}
	}
	if totalIn.Cmp(amount) < 0 {
		return SpendInsufficientFunds, nil, nil
	}

	mainNet := s.Chain.Params().MainNet
	outputs := []chain.TxOut{{Address: to, Amount: amount}}

	// With no change output the whole remainder burns as fee. Only add
	// change when that would overshoot the target rate.
	surplus := new(big.Int).Sub(totalIn, amount)
	size := chain.EstimateTxSize(len(selected), outputs, false, mainNet)
	targetFee := new(big.Int).Mul(feeUnit, big.NewInt(int64(size)))

	var change *big.Int
	var changeAddr *models.Address
	if surplus.Cmp(targetFee) > 0 {
		changeAddr, err = s.Ledger.NewAddress(changeTag)
		if err != nil {
			return SpendFailedBroadcast, nil, err
		}
		for i := 0; i < maxFeeIterations; i++ {
			sizeWithChange := chain.EstimateTxSize(len(selected), outputs, true, mainNet)
			feeWithChange := new(big.Int).Mul(feeUnit, big.NewInt(int64(sizeWithChange)))
			next := new(big.Int).Sub(surplus, feeWithChange)
			if next.Sign() <= 0 || chain.IsDustChange(next) {
				change = nil
				break
			}
			if change != nil && change.Cmp(next) == 0 {
				break
			}
			change = next
		}
	}
	if change != nil {
		outputs = append(outputs, chain.TxOut{Address: changeAddr.Address, Amount: change})
	}

	fee := new(big.Int).Set(surplus)
	if change != nil {
		fee.Sub(fee, change)
	}
	if fee.Cmp(feeMax) > 0 {
		return SpendMaxFeeBreached, nil, nil
	}

	signed, err := s.Chain.Sign(&chain.TxTemplate{Inputs: selected, Outputs: outputs, Fee: fee})
	if err != nil {
		return SpendFailedBroadcast, nil, err
	}

	res := s.Chain.Broadcast(ctx, signed.Raw)
	if !res.Success {
		log.Printf("broadcast failed (%s): %s", res.ErrCode, res.Message)
		return SpendFailedBroadcast, nil, nil
	}
	txid := res.TxID
	if txid == "" {
		txid = signed.TxID
	}

	owners := make([]*string, len(outputs))
	var changeOwner *string
	changeVal := new(big.Int)
	if change != nil {
		owners[len(owners)-1] = &changeAddr.ID
		changeOwner = &changeAddr.ID
		changeVal = change
	}
	if err := s.Ledger.RecordOutgoing(&OutgoingRecord{
		TxID:         txid,
		Fee:          models.NewAmountBig(fee),
		Debits:       planDebits(selected, owned, changeOwner, changeVal, fee),
		OnBehalfOf:   tag,
		Inputs:       selected,
		Outputs:      outputs,
		OutputOwners: owners,
		SignedRaw:    signed.Raw,
	}); err != nil {
		return SpendPartialBroadcast, []string{txid}, fmt.Errorf("broadcast ok but ledger append failed: %w", err)
	}
	return SpendSuccess, []string{txid}, nil
}

// ---- account arm ----

func (s *SpendService) spendAccount(ctx context.Context, tag, to string, amount, feeMax, feeUnit *big.Int) (SpendResult, []string, error) {
	gasLimit := s.Chain.Params().GasLimit
	fee := chain.GasFee(feeUnit, gasLimit)
	if fee.Cmp(feeMax) > 0 {
		return SpendMaxFeeBreached, nil, nil
	}
	need := new(big.Int).Add(fee, amount)

	addrs, err := s.Ledger.AddressesForTag(tag)
	if err != nil {
		return SpendFailedBroadcast, nil, err
	}
	for _, addr := range addrs {
		bal, err := s.Chain.GetBalance(ctx, addr.Address)
		if err != nil {
			return SpendFailedBroadcast, nil, err
		}
		if bal.Cmp(need) < 0 {
			continue
		}
		nonce, err := s.Chain.GetTransactionCount(ctx, addr.Address)
		if err != nil {
			return SpendFailedBroadcast, nil, err
		}
		signed, err := s.Chain.Sign(&chain.TxTemplate{
			From:      addr.Address,
			To:        to,
			Amount:    amount,
			Fee:       fee,
			GasPrice:  feeUnit,
			GasLimit:  gasLimit,
			Nonce:     nonce,
			PathIndex: addr.PathIndex,
		})
		if err != nil {
			return SpendFailedBroadcast, nil, err
		}
		res := s.Chain.Broadcast(ctx, signed.Raw)
		if !res.Success {
			log.Printf("broadcast failed (%s): %s", res.ErrCode, res.Message)
			return SpendFailedBroadcast, nil, nil
		}
		txid := res.TxID
		if txid == "" {
			txid = signed.TxID
		}
		if err := s.Ledger.RecordOutgoing(&OutgoingRecord{
			TxID:       txid,
			Fee:        models.NewAmountBig(fee),
			Debits:     []OutgoingDebit{{AddressID: addr.ID, Amount: models.NewAmountBig(amount), Fee: models.NewAmountBig(fee)}},
			OnBehalfOf: tag,
		}); err != nil {
			return SpendPartialBroadcast, []string{txid}, fmt.Errorf("broadcast ok but ledger append failed: %w", err)
		}
		return SpendSuccess, []string{txid}, nil
	}
	return SpendInsufficientFunds, nil, nil
}

// ---- fixed-fee arm ----

type accountDraw struct {
	addr   models.Address
	amount *big.Int
	fee    *big.Int
	tag    string
	note   string
}

func (s *SpendService) spendFixedFee(ctx context.Context, tag, to string, amount, feeMax, feeUnit *big.Int) (SpendResult, []string, error) {
	addrs, err := s.Ledger.AddressesForTag(tag)
	if err != nil {
		return SpendFailedBroadcast, nil, err
	}

	// Plan the whole multi-account draw before touching the network so fee
	// and funds checks happen up front.
	remaining := new(big.Int).Set(amount)
	feeTotal := new(big.Int)
	var plan []accountDraw
	for _, addr := range addrs {
		if remaining.Sign() == 0 {
			break
		}
		bal, err := s.Chain.GetBalance(ctx, addr.Address)
		if err != nil {
			return SpendFailedBroadcast, nil, err
		}
		if bal.Cmp(feeUnit) <= 0 {
			continue
		}
		available := new(big.Int).Sub(bal, feeUnit)
		draw := available
		if remaining.Cmp(available) < 0 {
			draw = remaining
		}
		plan = append(plan, accountDraw{addr: addr, amount: new(big.Int).Set(draw), fee: feeUnit, tag: tag})
		remaining = new(big.Int).Sub(remaining, draw)
		feeTotal.Add(feeTotal, feeUnit)
	}
	if remaining.Sign() > 0 {
		return SpendInsufficientFunds, nil, nil
	}
	if feeTotal.Cmp(feeMax) > 0 {
		return SpendMaxFeeBreached, nil, nil
	}

	return s.broadcastDraws(ctx, plan, to, feeUnit)
}

// broadcastDraws submits one transaction per planned draw. The ledger records
// only broadcasts that succeeded; a failure mid-sequence surfaces as partial.
func (s *SpendService) broadcastDraws(ctx context.Context, plan []accountDraw, to string, feeUnit *big.Int) (SpendResult, []string, error) {
	kind := s.Chain.Params().Kind
	var txids []string
	for _, d := range plan {
		tmpl := chain.TxTemplate{
			From:      d.addr.Address,
			To:        to,
			Amount:    d.amount,
			Fee:       d.fee,
			PathIndex: d.addr.PathIndex,
		}
		var err error
		if kind == chain.KindAccount {
			tmpl.GasPrice = feeUnit
			tmpl.GasLimit = s.Chain.Params().GasLimit
			tmpl.Nonce, err = s.Chain.GetTransactionCount(ctx, d.addr.Address)
		}
		var signed *chain.SignedTx
		if err == nil {
			signed, err = s.Chain.Sign(&tmpl)
		}
		if err == nil {
			res := s.Chain.Broadcast(ctx, signed.Raw)
			if res.Success {
				txid := res.TxID
				if txid == "" {
					txid = signed.TxID
				}
				if rerr := s.Ledger.RecordOutgoing(&OutgoingRecord{
					TxID:       txid,
					Fee:        models.NewAmountBig(d.fee),
					Debits:     []OutgoingDebit{{AddressID: d.addr.ID, Amount: models.NewAmountBig(d.amount), Fee: models.NewAmountBig(d.fee)}},
					OnBehalfOf: d.tag,
					Note:       d.note,
				}); rerr != nil {
					return SpendPartialBroadcast, append(txids, txid), fmt.Errorf("broadcast ok but ledger append failed: %w", rerr)
				}
				txids = append(txids, txid)
				continue
			}
			log.Printf("broadcast failed (%s): %s", res.ErrCode, res.Message)
		} else {
			log.Printf("signing failed for %s: %v", d.addr.Address, err)
		}
		if len(txids) == 0 {
			return SpendFailedBroadcast, nil, nil
		}
		return SpendPartialBroadcast, txids, nil
	}
	return SpendSuccess, txids, nil
}
