// chain/btc.go
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// BtcClient talks to an NBXplorer-style tracking explorer for UTXO queries and
// broadcast, and signs P2PKH spends locally from the HD key.
type BtcClient struct {
	params     Params
	baseURL    string
	httpClient *http.Client
	key        *HDKey

	// PathIndex resolves an owned address back to its derivation index so
	// inputs can be signed. Wired to the ledger store at startup.
	PathIndex func(address string) (uint32, bool)
}

func NewBtcClient(params Params, baseURL string, key *HDKey) *BtcClient {
	return &BtcClient{
		params:     params,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		key:        key,
	}
}

func (c *BtcClient) Params() Params { return c.params }

func (c *BtcClient) netParams() *chaincfg.Params {
	if c.params.MainNet {
		return &chaincfg.MainNetParams
	}
	return &chaincfg.TestNet3Params
}

type explorerUTXO struct {
	TxID          string `json:"txid"`
	N             uint32 `json:"n"`
	Address       string `json:"address"`
	Amount        string `json:"amount"`
	Height        int64  `json:"height"`
	Confirmations int64  `json:"confirmations"`
}

type explorerUTXOResponse struct {
	Confirmed     []explorerUTXO `json:"confirmed"`
	Unconfirmed   []explorerUTXO `json:"unconfirmed"`
	CurrentHeight int64          `json:"current_height"`
}

func (c *BtcClient) GetUTXOs(ctx context.Context, watchKey string) (UTXOSet, error) {
	var set UTXOSet
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/v1/utxos/%s", c.baseURL, watchKey), nil)
	if err != nil {
		return set, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return set, fmt.Errorf("explorer unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return set, fmt.Errorf("explorer returned status %d: %s", resp.StatusCode, string(body))
	}
	var raw explorerUTXOResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return set, fmt.Errorf("failed to decode explorer response: %w", err)
	}
	conv := func(in []explorerUTXO) ([]UTXO, error) {
		out := make([]UTXO, 0, len(in))
		for _, u := range in {
			amt, ok := new(big.Int).SetString(u.Amount, 10)
			if !ok {
				return nil, fmt.Errorf("bad amount %q for utxo %s:%d", u.Amount, u.TxID, u.N)
			}
			out = append(out, UTXO{TxID: u.TxID, N: u.N, Address: u.Address, Amount: amt,
				Height: u.Height, Confirmations: u.Confirmations})
		}
		return out, nil
	}
	if set.Confirmed, err = conv(raw.Confirmed); err != nil {
		return set, err
	}
	if set.Unconfirmed, err = conv(raw.Unconfirmed); err != nil {
		return set, err
	}
	set.CurrentHeight = raw.CurrentHeight
	return set, nil
}

func (c *BtcClient) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	return nil, fmt.Errorf("GetBalance not supported on utxo chains")
}

func (c *BtcClient) GetTransactionCount(ctx context.Context, address string) (uint64, error) {
	return 0, fmt.Errorf("GetTransactionCount not supported on utxo chains")
}

func (c *BtcClient) ListTransactions(ctx context.Context, address, cursor string) ([]AccountTx, string, error) {
	return nil, "", fmt.Errorf("ListTransactions not supported on utxo chains; use GetUTXOs")
}

func (c *BtcClient) DeriveNewAddress(pathIndex uint32) (string, string, error) {
	return c.key.BtcAddress(pathIndex)
}

// Sign builds and signs a P2PKH transaction from the template. Outputs keep
// template order (destination first, change last).
func (c *BtcClient) Sign(tmpl *TxTemplate) (*SignedTx, error) {
	if c.PathIndex == nil {
		return nil, fmt.Errorf("btc client has no path index resolver")
	}
	msgTx := wire.NewMsgTx(wire.TxVersion)
	prevScripts := make([][]byte, 0, len(tmpl.Inputs))
	for _, in := range tmpl.Inputs {
		h, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("bad input txid %q: %w", in.TxID, err)
		}
		msgTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(h, in.N), nil, nil))
		script, err := PkScript(in.Address, c.netParams())
		if err != nil {
			return nil, err
		}
		prevScripts = append(prevScripts, script)
	}
	for _, out := range tmpl.Outputs {
		script, err := PkScript(out.Address, c.netParams())
		if err != nil {
			return nil, err
		}
		msgTx.AddTxOut(wire.NewTxOut(out.Amount.Int64(), script))
	}
	for i, in := range tmpl.Inputs {
		idx, ok := c.PathIndex(in.Address)
		if !ok {
			return nil, fmt.Errorf("cannot sign input %s:%d: address %s not owned", in.TxID, in.N, in.Address)
		}
		priv, err := c.key.LeafPrivKey(idx)
		if err != nil {
			return nil, err
		}
		sigScript, err := txscript.SignatureScript(msgTx, i, prevScripts[i], txscript.SigHashAll, priv, true)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		msgTx.TxIn[i].SignatureScript = sigScript
	}
	var buf bytes.Buffer
	if err := msgTx.Serialize(&buf); err != nil {
		return nil, err
	}
	return &SignedTx{Raw: buf.Bytes(), TxID: msgTx.TxHash().String()}, nil
}

type explorerBroadcastResponse struct {
	Success bool   `json:"success"`
	TxID    string `json:"txid"`
	Error   string `json:"error"`
}

func (c *BtcClient) Broadcast(ctx context.Context, raw []byte) BroadcastResult {
	body := bytes.NewBufferString(hex.EncodeToString(raw))
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/broadcast", body)
	if err != nil {
		return BroadcastResult{ErrCode: BroadcastErrUnknown, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BroadcastResult{ErrCode: BroadcastErrNoNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()
	var result explorerBroadcastResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return BroadcastResult{ErrCode: BroadcastErrUnknown, Message: err.Error()}
	}
	if !result.Success {
		return BroadcastResult{ErrCode: BroadcastErrRejected, Message: result.Error}
	}
	return BroadcastResult{Success: true, TxID: result.TxID}
}

// PkScript produces the output script for an address string. Used for signing
// and for serialize-size estimation during fee negotiation.
func PkScript(address string, net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, fmt.Errorf("bad address %q: %w", address, err)
	}
	return txscript.PayToAddrScript(addr)
}

// EstimateTxSize estimates the serialize size of a spend with the given
// outputs, optionally with a change output appended.
func EstimateTxSize(numInputs int, outs []TxOut, withChange bool, mainNet bool) int {
	net := &chaincfg.TestNet3Params
	if mainNet {
		net = &chaincfg.MainNetParams
	}
	txOuts := make([]*wire.TxOut, 0, len(outs))
	for _, o := range outs {
		script, err := PkScript(o.Address, net)
		if err != nil {
			// Unparseable destination: assume P2PKH for sizing, the
			// client rejects it properly at Sign time.
			script = make([]byte, txsizes.P2PKHPkScriptSize)
		}
		txOuts = append(txOuts, wire.NewTxOut(o.Amount.Int64(), script))
	}
	return txsizes.EstimateSerializeSize(numInputs, txOuts, withChange)
}

// IsDustChange reports whether a P2PKH change output of this value would be
// dust under the default relay policy. Dust change is folded into the fee
// instead of creating an unspendable output.
func IsDustChange(v *big.Int) bool {
	if !v.IsInt64() {
		return false
	}
	script := make([]byte, txsizes.P2PKHPkScriptSize)
	return txrules.IsDustOutput(wire.NewTxOut(v.Int64(), script), txrules.DefaultRelayFeePerKb)
}
