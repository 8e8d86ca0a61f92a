// models/amount.go
package models

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// Amount is a chain-native amount in the chain's minor unit (satoshi, wei...).
// Stored as a decimal string so the full big integer range survives every
// backend (chain amounts can exceed int64 on 10^18-scale chains).
type Amount struct {
	big.Int
}

func NewAmount(v int64) Amount {
	var a Amount
	a.SetInt64(v)
	return a
}

func NewAmountBig(v *big.Int) Amount {
	var a Amount
	if v != nil {
		a.Set(v)
	}
	return a
}

// Big returns a copy as *big.Int for arithmetic.
func (a *Amount) Big() *big.Int {
	return new(big.Int).Set(&a.Int)
}

func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

func (a *Amount) Scan(src interface{}) error {
	if src == nil {
		a.SetInt64(0)
		return nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case int64:
		a.SetInt64(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Amount", src)
	}
	if _, ok := a.SetString(s, 10); !ok {
		return fmt.Errorf("invalid amount string %q", s)
	}
	return nil
}

// GormDataType keeps the column a plain string on every supported backend.
func (Amount) GormDataType() string {
	return "varchar(80)"
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		a.SetInt64(0)
		return nil
	}
	if _, ok := a.SetString(s, 10); !ok {
		return fmt.Errorf("invalid amount %q", s)
	}
	return nil
}
