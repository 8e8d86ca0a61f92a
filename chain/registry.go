// chain/registry.go
package chain

import (
	"fmt"
	"sync"
)

var (
	regMu    sync.RWMutex
	registry = map[string]Client{}
)

// Register installs a client for a chain code. Later registrations replace
// earlier ones, which tests rely on to swap in fakes.
func Register(code string, c Client) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[code] = c
}

// Get returns the client registered for a chain code.
func Get(code string) (Client, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	c, ok := registry[code]
	if !ok {
		return nil, fmt.Errorf("no chain client registered for %q", code)
	}
	return c, nil
}
