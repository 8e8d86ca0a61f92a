// services/api.go
package services

import (
	"math/big"

	"custody-ledger-system/models"
	"custody-ledger-system/utils"

	"github.com/gofiber/fiber/v2"
)

// ApiService exposes the ledger over HTTP. Amounts cross the wire as decimal
// strings in the chain's minor unit, so precision never depends on JSON
// number handling.
type ApiService struct {
	Ledger  *LedgerService
	Balance *BalanceService
	Spend   *SpendService
	Fiat    *FiatService
}

func NewApiService(ledger *LedgerService, balance *BalanceService, spend *SpendService, fiat *FiatService) *ApiService {
	return &ApiService{Ledger: ledger, Balance: balance, Spend: spend, Fiat: fiat}
}

func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// CreateTag registers a tag, idempotently.
func (s *ApiService) CreateTag(c *fiber.Ctx) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}
	tag, err := s.Ledger.TagGetOrCreate(req.Name)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(tag)
}

func (s *ApiService) GetTags(c *fiber.Ctx) error {
	tags, err := s.Ledger.Tags()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch tags"})
	}
	return c.JSON(tags)
}

// NewAddress derives the next receiving address for the tag.
func (s *ApiService) NewAddress(c *fiber.Ctx) error {
	addr, err := s.Ledger.NewAddress(c.Params("tag"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(addr)
}

func (s *ApiService) GetAddresses(c *fiber.Ctx) error {
	addrs, err := s.Ledger.AddressesForTag(c.Params("tag"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch addresses"})
	}
	return c.JSON(addrs)
}

// GetTagBalance returns the tag balance, optionally filtered by
// min_confirmations, as minor units plus a human-readable decimal string.
func (s *ApiService) GetTagBalance(c *fiber.Ctx) error {
	minConf := int64(c.QueryInt("min_confirmations", 0))
	bal, err := s.Balance.TagBalance(s.Ledger, c.Params("tag"), minConf)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to compute balance"})
	}
	return c.JSON(fiber.Map{
		"tag":               c.Params("tag"),
		"min_confirmations": minConf,
		"balance":           bal.String(),
		"balance_decimal":   utils.AmountToString(bal, s.Spend.Chain.Params().Decimals),
	})
}

func (s *ApiService) GetWalletTxs(c *fiber.Ctx) error {
	txs, err := s.Ledger.WalletTxsForTag(c.Params("tag"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch txs"})
	}
	return c.JSON(txs)
}

func (s *ApiService) GetUnacknowledgedTxs(c *fiber.Ctx) error {
	txs, err := s.Ledger.UnacknowledgedForTag(c.Params("tag"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch txs"})
	}
	return c.JSON(txs)
}

func (s *ApiService) AcknowledgeTxs(c *fiber.Ctx) error {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "ids is required"})
	}
	if err := s.Ledger.Acknowledge(req.IDs); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to acknowledge"})
	}
	return c.JSON(fiber.Map{"acknowledged": len(req.IDs)})
}

func (s *ApiService) GetChainTx(c *fiber.Ctx) error {
	ctx, ok, err := s.Ledger.ChainTxGet(c.Params("txid"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tx not found"})
	}
	return c.JSON(ctx)
}

// GetAttachment serves the attachment bytes, fetching archived ones from the
// object store.
func (s *ApiService) GetAttachment(c *fiber.Ctx) error {
	ctx, ok, err := s.Ledger.ChainTxGet(c.Params("txid"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tx not found"})
	}
	data := ctx.Attachment
	if len(data) == 0 && ctx.AttachmentKey != "" {
		data, err = utils.FetchAttachment(c.Context(), ctx.AttachmentKey)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch attachment"})
		}
	}
	if len(data) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no attachment"})
	}
	c.Set("Content-Type", "application/octet-stream")
	return c.Send(data)
}

type spendRequest struct {
	Tag       string `json:"tag"`
	ChangeTag string `json:"change_tag"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	FeeMax    string `json:"fee_max"`
	FeeUnit   string `json:"fee_unit"`
}

// CreateSpend plans, signs and broadcasts a spend. Non-success outcomes are
// reported with 402/502 so callers can distinguish funds problems from
// network problems.
func (s *ApiService) CreateSpend(c *fiber.Ctx) error {
	var req spendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Tag == "" || req.To == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tag and to are required"})
	}
	if req.ChangeTag == "" {
		req.ChangeTag = req.Tag
	}
	amount, ok := parseAmount(req.Amount)
	if !ok || amount.Sign() == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount must be a positive integer string"})
	}
	feeMax, ok := parseAmount(req.FeeMax)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "fee_max must be an integer string"})
	}
	feeUnit, ok := parseAmount(req.FeeUnit)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "fee_unit must be an integer string"})
	}

	result, txids, err := s.Spend.Spend(c.Context(), req.Tag, req.ChangeTag, req.To, amount, feeMax, feeUnit)
	return spendResponse(c, result, txids, err)
}

type consolidateRequest struct {
	TagsFrom []string `json:"tags_from"`
	TagTo    string   `json:"tag_to"`
	FeeMax   string   `json:"fee_max"`
	FeeUnit  string   `json:"fee_unit"`
}

func (s *ApiService) CreateConsolidation(c *fiber.Ctx) error {
	var req consolidateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if len(req.TagsFrom) == 0 || req.TagTo == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tags_from and tag_to are required"})
	}
	feeMax, ok := parseAmount(req.FeeMax)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "fee_max must be an integer string"})
	}
	feeUnit, ok := parseAmount(req.FeeUnit)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "fee_unit must be an integer string"})
	}

	result, txids, err := s.Spend.Consolidate(c.Context(), req.TagsFrom, req.TagTo, feeMax, feeUnit)
	return spendResponse(c, result, txids, err)
}

func spendResponse(c *fiber.Ctx, result SpendResult, txids []string, err error) error {
	body := fiber.Map{"result": string(result), "txids": txids}
	if err != nil {
		body["error"] = err.Error()
	}
	switch result {
	case SpendSuccess:
		return c.JSON(body)
	case SpendInsufficientFunds, SpendMaxFeeBreached:
		return c.Status(fiber.StatusPaymentRequired).JSON(body)
	default:
		return c.Status(fiber.StatusBadGateway).JSON(body)
	}
}

func (s *ApiService) GetPendingSpend(c *fiber.Ctx) error {
	ps, ok, err := s.Ledger.PendingSpendGet(c.Params("code"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "spend not found"})
	}
	return c.JSON(ps)
}

// ---- fiat ----

func (s *ApiService) RegisterFiatDeposit(c *fiber.Ctx) error {
	var req struct {
		Tag    string `json:"tag"`
		Amount int64  `json:"amount"`
	}
	if err := c.BodyParser(&req); err != nil || req.Tag == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tag is required"})
	}
	tx, err := s.Fiat.RegisterDeposit(req.Tag, req.Amount)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(tx)
}

func (s *ApiService) RegisterFiatWithdrawal(c *fiber.Ctx) error {
	var req struct {
		Tag    string `json:"tag"`
		Amount int64  `json:"amount"`
		BankAccount
	}
	if err := c.BodyParser(&req); err != nil || req.Tag == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tag is required"})
	}
	tx, err := s.Fiat.RegisterWithdrawal(req.Tag, req.Amount, req.BankAccount)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(tx)
}

type settleRequest struct {
	Date     int64  `json:"date"`
	Amount   int64  `json:"amount"`
	Metadata string `json:"metadata"`
}

func (s *ApiService) SettleFiatDeposit(c *fiber.Ctx) error {
	return s.settleFiat(c, s.Fiat.UpdateDeposit)
}

func (s *ApiService) SettleFiatWithdrawal(c *fiber.Ctx) error {
	return s.settleFiat(c, s.Fiat.UpdateWithdrawal)
}

func (s *ApiService) settleFiat(c *fiber.Ctx, settle func(string, int64, int64, string) (*models.FiatWalletTx, error)) error {
	var req settleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	tx, err := settle(c.Params("code"), req.Date, req.Amount, req.Metadata)
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(tx)
}

func (s *ApiService) GetFiatTx(c *fiber.Ctx) error {
	tx, ok, err := s.Fiat.GetTx(c.Params("code"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "fiat tx not found"})
	}
	return c.JSON(tx)
}

func (s *ApiService) GetFiatTxs(c *fiber.Ctx) error {
	if dir := c.Query("pending"); dir != "" {
		txs, err := s.Fiat.PendingTxs(c.Params("tag"), dir)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch txs"})
		}
		return c.JSON(txs)
	}
	txs, err := s.Fiat.TxsForTag(c.Params("tag"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch txs"})
	}
	return c.JSON(txs)
}

func (s *ApiService) GetFiatBalance(c *fiber.Ctx) error {
	bal, err := s.Fiat.TagBalance(c.Params("tag"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to compute balance"})
	}
	return c.JSON(fiber.Map{
		"tag":             c.Params("tag"),
		"balance":         bal,
		"balance_decimal": utils.FiatToString(bal),
	})
}
