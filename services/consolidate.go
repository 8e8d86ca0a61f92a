// services/consolidate.go
package services

import (
	"context"
	"math/big"

	"custody-ledger-system/chain"
	"custody-ledger-system/models"
)

// Consolidate sweeps everything held under the source tags into a single
// address of the destination tag. Fees come out of the swept total, so the
// destination receives swept minus fees. Shares the spend result taxonomy.
func (s *SpendService) Consolidate(ctx context.Context, tagsFrom []string, tagTo string, feeMax, feeUnit *big.Int) (SpendResult, []string, error) {
	unlock := s.lockTags(append(append([]string{}, tagsFrom...), tagTo)...)
	defer unlock()

	toTag, err := s.Ledger.TagGetOrCreate(tagTo)
	if err != nil {
		return SpendFailedBroadcast, nil, err
	}
	dest, err := s.consolidationTarget(tagTo)
	if err != nil {
		return SpendFailedBroadcast, nil, err
	}

	switch s.Chain.Params().Kind {
	case chain.KindUTXO:
		return s.consolidateUTXO(ctx, tagsFrom, toTag, dest, feeMax, feeUnit)
	default:
		return s.consolidateAccounts(ctx, tagsFrom, dest, feeMax, feeUnit)
	}
}

// consolidationTarget reuses the destination tag's first address with no
// wallet tx history; funds from distinct sweeps only mingle on an address
// that has never been paid.
func (s *SpendService) consolidationTarget(tagTo string) (*models.Address, error) {
	addrs, err := s.Ledger.AddressesForTag(tagTo)
	if err != nil {
		return nil, err
	}
	for i := range addrs {
		var n int64
		if err := s.DB.Model(&models.WalletTx{}).
			Where("address_id = ?", addrs[i].ID).
			Count(&n).Error; err != nil {
			return nil, err
		}
		if n == 0 {
			return &addrs[i], nil
		}
	}
	return s.Ledger.NewAddress(tagTo)
}

func (s *SpendService) consolidateUTXO(ctx context.Context, tagsFrom []string, toTag *models.Tag, dest *models.Address, feeMax, feeUnit *big.Int) (SpendResult, []string, error) {
	coins, owned, err := s.candidateCoins(ctx, tagsFrom...)
	if err != nil {
		return SpendFailedBroadcast, nil, err
	}
	if len(coins) == 0 {
		return SpendInsufficientFunds, nil, nil
	}
	totalIn := new(big.Int)
	for _, u := range coins {
		totalIn.Add(totalIn, u.Amount)
	}

	// Single sweep output, no change, so the size is fixed and the fee
	// follows directly from the rate.
	outputs := []chain.TxOut{{Address: dest.Address, Amount: totalIn}}
	size := chain.EstimateTxSize(len(coins), outputs, false, s.Chain.Params().MainNet)
	fee := new(big.Int).Mul(feeUnit, big.NewInt(int64(size)))
	if fee.Cmp(feeMax) > 0 {
		return SpendMaxFeeBreached, nil, nil
	}
	value := new(big.Int).Sub(totalIn, fee)
	if value.Sign() <= 0 || chain.IsDustChange(value) {
		return SpendInsufficientFunds, nil, nil
	}
	outputs[0].Amount = value

	signed, err := s.Chain.Sign(&chain.TxTemplate{Inputs: coins, Outputs: outputs, Fee: fee})
	if err != nil {
		return SpendFailedBroadcast, nil, err
	}
	res := s.Chain.Broadcast(ctx, signed.Raw)
	if !res.Success {
		return SpendFailedBroadcast, nil, nil
	}
	txid := res.TxID
	if txid == "" {
		txid = signed.TxID
	}

	if err := s.Ledger.RecordOutgoing(&OutgoingRecord{
		TxID:         txid,
		Fee:          models.NewAmountBig(fee),
		Debits:       planDebits(coins, owned, &dest.ID, value, fee),
		Note:         "consolidation",
		Inputs:       coins,
		Outputs:      outputs,
		OutputOwners: []*string{&dest.ID},
		OutputTagFor: &toTag.ID,
		SignedRaw:    signed.Raw,
	}); err != nil {
		return SpendPartialBroadcast, []string{txid}, err
	}
	return SpendSuccess, []string{txid}, nil
}

// consolidateAccounts sweeps account-model and fixed-fee chains: one
// transaction per funded address, each emptied down to its fee.
func (s *SpendService) consolidateAccounts(ctx context.Context, tagsFrom []string, dest *models.Address, feeMax, feeUnit *big.Int) (SpendResult, []string, error) {
	perFee := feeUnit
	if s.Chain.Params().Kind == chain.KindAccount {
		perFee = chain.GasFee(feeUnit, s.Chain.Params().GasLimit)
	}

	feeTotal := new(big.Int)
	var plan []accountDraw
	for _, tag := range tagsFrom {
		addrs, err := s.Ledger.AddressesForTag(tag)
		if err != nil {
			return SpendFailedBroadcast, nil, err
		}
		for _, addr := range addrs {
			if addr.ID == dest.ID {
				continue
			}
			bal, err := s.Chain.GetBalance(ctx, addr.Address)
			if err != nil {
				return SpendFailedBroadcast, nil, err
			}
			if bal.Cmp(perFee) <= 0 {
				continue
			}
			plan = append(plan, accountDraw{
				addr:   addr,
				amount: new(big.Int).Sub(bal, perFee),
				fee:    perFee,
				tag:    tag,
				note:   "consolidation",
			})
			feeTotal.Add(feeTotal, perFee)
		}
	}
	if len(plan) == 0 {
		return SpendInsufficientFunds, nil, nil
	}
	if feeTotal.Cmp(feeMax) > 0 {
		return SpendMaxFeeBreached, nil, nil
	}
	return s.broadcastDraws(ctx, plan, dest.Address, feeUnit)
}
