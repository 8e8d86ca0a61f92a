// chain/hd.go
package chain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"
)

// HDKey wraps the wallet master key. Clients derive receive addresses from it
// at m/44'/coin'/0'/0/index; only the leaf public keys leave this package.
type HDKey struct {
	master   *hdkeychain.ExtendedKey
	coinType uint32
	net      *chaincfg.Params
}

const hardened = hdkeychain.HardenedKeyStart

// NewHDKeyFromSeedHex builds the master key from a hex seed (the original
// wallet-file format). coinType follows SLIP-44 (0 BTC, 60 ETH, ...).
func NewHDKeyFromSeedHex(seedHex string, coinType uint32, mainNet bool) (*HDKey, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	return newHDKey(seed, coinType, mainNet)
}

// NewHDKeyFromMnemonic builds the master key from a BIP39 mnemonic.
func NewHDKeyFromMnemonic(mnemonic, passphrase string, coinType uint32, mainNet bool) (*HDKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return newHDKey(seed, coinType, mainNet)
}

func newHDKey(seed []byte, coinType uint32, mainNet bool) (*HDKey, error) {
	net := &chaincfg.MainNetParams
	if !mainNet {
		net = &chaincfg.TestNet3Params
	}
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, err
	}
	return &HDKey{master: master, coinType: coinType, net: net}, nil
}

func (k *HDKey) leaf(index uint32) (*hdkeychain.ExtendedKey, string, error) {
	path := []uint32{44 + hardened, k.coinType + hardened, hardened, 0, index}
	node := k.master
	var err error
	for _, i := range path {
		node, err = node.Derive(i)
		if err != nil {
			return nil, "", err
		}
	}
	return node, fmt.Sprintf("m/44'/%d'/0'/0/%d", k.coinType, index), nil
}

// BtcAddress derives a P2PKH address at the given index.
func (k *HDKey) BtcAddress(index uint32) (addr, path string, err error) {
	node, path, err := k.leaf(index)
	if err != nil {
		return "", "", err
	}
	pub, err := node.ECPubKey()
	if err != nil {
		return "", "", err
	}
	pkh, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), k.net)
	if err != nil {
		return "", "", err
	}
	return pkh.EncodeAddress(), path, nil
}

// EthAddress derives a checksummed 0x address at the given index.
func (k *HDKey) EthAddress(index uint32) (addr, path string, err error) {
	node, path, err := k.leaf(index)
	if err != nil {
		return "", "", err
	}
	pub, err := node.ECPubKey()
	if err != nil {
		return "", "", err
	}
	return gethcrypto.PubkeyToAddress(*pub.ToECDSA()).Hex(), path, nil
}

// LeafPrivKey exposes the leaf private key for local signing. UTXO input
// signing is the only caller; key material never crosses a package boundary
// beyond the chain clients.
func (k *HDKey) LeafPrivKey(index uint32) (*btcec.PrivateKey, error) {
	node, _, err := k.leaf(index)
	if err != nil {
		return nil, err
	}
	return node.ECPrivKey()
}

// LeafPubKeyCompressed exposes the raw compressed public key for chains with
// their own address encoding (see the fixed-fee client).
func (k *HDKey) LeafPubKeyCompressed(index uint32) ([]byte, string, error) {
	node, path, err := k.leaf(index)
	if err != nil {
		return nil, "", err
	}
	pub, err := node.ECPubKey()
	if err != nil {
		return nil, "", err
	}
	return pub.SerializeCompressed(), path, nil
}
