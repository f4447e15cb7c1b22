package exchange

import (
	"sync"

	"github.com/coachpo/copytrader/internal/domain/copytrade"
)

// Factory hands out one Client per credential. Clients are reused while the
// account keeps the same API key, so the per-client rate limiter spans all
// callers of that account. A rotated key yields a fresh client.
type Factory struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*Client
}

// NewFactory builds a factory sharing opts across every client it creates.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts, clients: make(map[string]*Client)}
}

// Client returns the cached client for cred or creates one.
func (f *Factory) Client(cred copytrade.Credential) (*Client, error) {
	key := cred.AccountID + "\x00" + cred.APIKey
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok && c.cred.APISecret == cred.APISecret && c.cred.Testnet == cred.Testnet {
		return c, nil
	}
	c, err := NewClient(cred, f.opts)
	if err != nil {
		return nil, err
	}
	// a rotated key replaces every older client of the account
	f.forgetLocked(cred.AccountID)
	f.clients[key] = c
	return c, nil
}

// Placer satisfies the replication engine's placer source.
func (f *Factory) Placer(cred copytrade.Credential) (copytrade.OrderPlacer, error) {
	c, err := f.Client(cred)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Forget drops every cached client of accountID. Streams already opened
// through those clients keep running until closed.
func (f *Factory) Forget(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgetLocked(accountID)
}

func (f *Factory) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *Factory) forgetLocked(accountID string) {
	for key, c := range f.clients {
		if c.cred.AccountID == accountID {
			delete(f.clients, key)
		}
	}
}

// Account returns the client for cred behind the domain account interface.
func (f *Factory) Account(cred copytrade.Credential) (copytrade.AccountClient, error) {
	c, err := f.Client(cred)
	if err != nil {
		return nil, err
	}
	return c, nil
}
