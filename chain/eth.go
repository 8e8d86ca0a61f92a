// chain/eth.go
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/singleflight"
)

// EthClient is the account-model chain client: balances and nonces straight
// from a node over JSON-RPC, transaction history from a side tx-scan service
// (nodes cannot list transactions by address).
type EthClient struct {
	params     Params
	rpc        *gethrpc.Client
	scanURL    string
	httpClient *http.Client
	key        *HDKey
	chainID    *big.Int
	sf         singleflight.Group
	reqTimeout time.Duration
}

func NewEthClient(params Params, nodeURL, scanURL string, chainID int64, key *HDKey) (*EthClient, error) {
	rc, err := gethrpc.Dial(nodeURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial node %s: %w", nodeURL, err)
	}
	return &EthClient{
		params:     params,
		rpc:        rc,
		scanURL:    scanURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		key:        key,
		chainID:    big.NewInt(chainID),
		reqTimeout: 10 * time.Second,
	}, nil
}

func (c *EthClient) Params() Params { return c.params }

func (c *EthClient) GetUTXOs(ctx context.Context, watchKey string) (UTXOSet, error) {
	return UTXOSet{}, fmt.Errorf("GetUTXOs not supported on account chains")
}

// GetBalance collapses duplicate concurrent requests for the same address so a
// reconcile sweep and a spend plan do not hammer the node.
func (c *EthClient) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	v, err, _ := c.sf.Do("balance:"+address, func() (interface{}, error) {
		ctx2, cancel := context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
		var result string
		if err := c.rpc.CallContext(ctx2, &result, "eth_getBalance", common.HexToAddress(address), "latest"); err != nil {
			return nil, err
		}
		return hexutil.DecodeBig(result)
	})
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

func (c *EthClient) GetTransactionCount(ctx context.Context, address string) (uint64, error) {
	ctx2, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	var result string
	if err := c.rpc.CallContext(ctx2, &result, "eth_getTransactionCount", common.HexToAddress(address), "pending"); err != nil {
		return 0, err
	}
	return hexutil.DecodeUint64(result)
}

type scanTx struct {
	TxID          string `json:"txid"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	Fee           string `json:"fee"`
	Height        int64  `json:"height"`
	Confirmations int64  `json:"confirmations"`
	Date          int64  `json:"date"`
}

type scanResponse struct {
	Txs  []scanTx `json:"txs"`
	Next string   `json:"next"`
}

// ListTransactions pages through the tx-scan service. cursor is the page token
// returned by the previous call, empty for the first page.
func (c *EthClient) ListTransactions(ctx context.Context, address, cursor string) ([]AccountTx, string, error) {
	u, err := url.Parse(fmt.Sprintf("%s/transactions/%s", c.scanURL, address))
	if err != nil {
		return nil, "", err
	}
	if cursor != "" {
		q := u.Query()
		q.Set("page", cursor)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("tx scan unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("tx scan returned status %d: %s", resp.StatusCode, string(body))
	}
	var raw scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, "", err
	}
	txs := make([]AccountTx, 0, len(raw.Txs))
	for _, t := range raw.Txs {
		amt, ok := new(big.Int).SetString(t.Amount, 10)
		if !ok {
			return nil, "", fmt.Errorf("bad amount %q in tx %s", t.Amount, t.TxID)
		}
		fee := new(big.Int)
		if t.Fee != "" {
			if _, ok := fee.SetString(t.Fee, 10); !ok {
				return nil, "", fmt.Errorf("bad fee %q in tx %s", t.Fee, t.TxID)
			}
		}
		txs = append(txs, AccountTx{TxID: t.TxID, From: t.From, To: t.To, Amount: amt, Fee: fee,
			Height: t.Height, Confirmations: t.Confirmations, Date: t.Date})
	}
	return txs, raw.Next, nil
}

func (c *EthClient) DeriveNewAddress(pathIndex uint32) (string, string, error) {
	return c.key.EthAddress(pathIndex)
}

func (c *EthClient) Sign(tmpl *TxTemplate) (*SignedTx, error) {
	priv, err := c.key.LeafPrivKey(tmpl.PathIndex)
	if err != nil {
		return nil, err
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    tmpl.Nonce,
		To:       addrPtr(tmpl.To),
		Value:    tmpl.Amount,
		Gas:      tmpl.GasLimit,
		GasPrice: tmpl.GasPrice,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.NewEIP155Signer(c.chainID), priv.ToECDSA())
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &SignedTx{Raw: raw, TxID: signed.Hash().Hex()}, nil
}

func addrPtr(s string) *common.Address {
	a := common.HexToAddress(s)
	return &a
}

func (c *EthClient) Broadcast(ctx context.Context, raw []byte) BroadcastResult {
	ctx2, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	var txid string
	err := c.rpc.CallContext(ctx2, &txid, "eth_sendRawTransaction", hexutil.Encode(raw))
	if err != nil {
		if ctx2.Err() != nil {
			return BroadcastResult{ErrCode: BroadcastErrNoNetwork, Message: err.Error()}
		}
		return BroadcastResult{ErrCode: BroadcastErrRejected, Message: err.Error()}
	}
	return BroadcastResult{Success: true, TxID: txid}
}

// GasFee is the account-model fee: gas price times gas limit.
func GasFee(gasPrice *big.Int, gasLimit uint64) *big.Int {
	return new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
}
