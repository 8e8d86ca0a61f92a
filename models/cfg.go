// models/cfg.go
package models

// Cfg is a small key/value table for wallet-scoped state: the wallet type
// sanity check and the last derivation path index. Keeping the path index here
// (bumped inside the address-creation transaction) avoids any process-wide
// counter.
type Cfg struct {
	Key   string `json:"key" gorm:"primaryKey"`
	Value string `json:"value"`
}

const (
	CfgKeyWalletType    = "wallet.type"
	CfgKeyLastPathIndex = "wallet.last_path_index"
	CfgKeyLastMetaID    = "wallet.last_meta_id"
)
