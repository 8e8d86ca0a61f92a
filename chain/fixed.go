// chain/fixed.go
package chain

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
)

// FixedFeeClient is the flat-fee chain adapter (Waves-style node REST API).
// Every transfer costs the same configured fee regardless of size.
type FixedFeeClient struct {
	params     Params
	nodeURL    string
	httpClient *http.Client
	key        *HDKey
	chainByte  byte
}

func NewFixedFeeClient(params Params, nodeURL string, key *HDKey) *FixedFeeClient {
	chainByte := byte('W')
	if !params.MainNet {
		chainByte = byte('T')
	}
	return &FixedFeeClient{
		params:     params,
		nodeURL:    nodeURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		key:        key,
		chainByte:  chainByte,
	}
}

func (c *FixedFeeClient) Params() Params { return c.params }

func (c *FixedFeeClient) GetUTXOs(ctx context.Context, watchKey string) (UTXOSet, error) {
	return UTXOSet{}, fmt.Errorf("GetUTXOs not supported on fixed-fee chains")
}

func (c *FixedFeeClient) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	var result struct {
		Balance int64 `json:"balance"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/addresses/balance/%s", address), &result); err != nil {
		return nil, err
	}
	return big.NewInt(result.Balance), nil
}

func (c *FixedFeeClient) GetTransactionCount(ctx context.Context, address string) (uint64, error) {
	return 0, fmt.Errorf("GetTransactionCount not supported on fixed-fee chains")
}

type nodeTx struct {
	ID            string `json:"id"`
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	Amount        int64  `json:"amount"`
	Fee           int64  `json:"fee"`
	Height        int64  `json:"height"`
	Confirmations int64  `json:"confirmations"`
	Timestamp     int64  `json:"timestamp"` // milliseconds
	Attachment    string `json:"attachment"`
}

// ListTransactions returns the node's recent transactions for the address.
// The node API pages by "after tx id"; cursor carries the last seen id.
func (c *FixedFeeClient) ListTransactions(ctx context.Context, address, cursor string) ([]AccountTx, string, error) {
	path := fmt.Sprintf("/transactions/address/%s/limit/100", address)
	if cursor != "" {
		path += "?after=" + cursor
	}
	var pages [][]nodeTx
	if err := c.getJSON(ctx, path, &pages); err != nil {
		return nil, "", err
	}
	var out []AccountTx
	next := ""
	for _, page := range pages {
		for _, t := range page {
			var attachment []byte
			if t.Attachment != "" {
				attachment, _ = base58.Decode(t.Attachment)
			}
			out = append(out, AccountTx{
				TxID:          t.ID,
				From:          t.Sender,
				To:            t.Recipient,
				Amount:        big.NewInt(t.Amount),
				Fee:           big.NewInt(t.Fee),
				Height:        t.Height,
				Confirmations: t.Confirmations,
				Date:          t.Timestamp / 1000,
				Attachment:    attachment,
			})
			next = t.ID
		}
	}
	if len(out) < 100 {
		next = "" // short page, nothing further
	}
	return out, next, nil
}

// DeriveNewAddress encodes version byte, chain byte, pubkey hash and a 4 byte
// double-sha checksum as base58.
func (c *FixedFeeClient) DeriveNewAddress(pathIndex uint32) (string, string, error) {
	pub, path, err := c.key.LeafPubKeyCompressed(pathIndex)
	if err != nil {
		return "", "", err
	}
	pkh := sha256.Sum256(pub)
	raw := append([]byte{0x01, c.chainByte}, pkh[:20]...)
	sum := sha256.Sum256(raw)
	sum = sha256.Sum256(sum[:])
	return base58.Encode(append(raw, sum[:4]...)), path, nil
}

type transferPayload struct {
	Type       int    `json:"type"`
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Amount     int64  `json:"amount"`
	Fee        int64  `json:"fee"`
	Timestamp  int64  `json:"timestamp"`
	Attachment string `json:"attachment,omitempty"`
	Signature  string `json:"signature"`
	ID         string `json:"id"`
}

func (c *FixedFeeClient) Sign(tmpl *TxTemplate) (*SignedTx, error) {
	priv, err := c.key.LeafPrivKey(tmpl.PathIndex)
	if err != nil {
		return nil, err
	}
	payload := transferPayload{
		Type:      4,
		Sender:    tmpl.From,
		Recipient: tmpl.To,
		Amount:    tmpl.Amount.Int64(),
		Fee:       tmpl.Fee.Int64(),
		Timestamp: time.Now().UnixMilli(),
	}
	if len(tmpl.Attachment) > 0 {
		payload.Attachment = base58.Encode(tmpl.Attachment)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	// Leaf secp256k1 key bytes seed an ed25519 key, the curve this chain
	// family signs with.
	seed := sha256.Sum256(priv.Serialize())
	edKey := ed25519.NewKeyFromSeed(seed[:])
	payload.Signature = base58.Encode(ed25519.Sign(edKey, body))
	idHash := sha256.Sum256(body)
	payload.ID = base58.Encode(idHash[:])
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &SignedTx{Raw: raw, TxID: payload.ID}, nil
}

func (c *FixedFeeClient) Broadcast(ctx context.Context, raw []byte) BroadcastResult {
	req, err := http.NewRequestWithContext(ctx, "POST", c.nodeURL+"/transactions/broadcast", bytes.NewReader(raw))
	if err != nil {
		return BroadcastResult{ErrCode: BroadcastErrUnknown, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BroadcastResult{ErrCode: BroadcastErrNoNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return BroadcastResult{ErrCode: BroadcastErrRejected, Message: string(body)}
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return BroadcastResult{ErrCode: BroadcastErrUnknown, Message: err.Error()}
	}
	return BroadcastResult{Success: true, TxID: result.ID}
}

func (c *FixedFeeClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.nodeURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("node unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("node returned status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
