package providers

import (
	"context"

	"github.com/kilnforge/conductor/internal/errorkind"
	"github.com/kilnforge/conductor/internal/keypool"
)

// Factory builds a concrete adapter bound to one credential.
type Factory func(credential string) Provider

// PooledProvider owns a KeyPool and a factory that turns a credential
// into a concrete adapter. Each call gets a key, builds an adapter,
// invokes it, and reports the outcome back to the pool. A retryable
// failure is retried once against the next available key.
type PooledProvider struct {
	pool    *keypool.Pool
	factory Factory
	name    string
}

// NewPooledProvider builds a PooledProvider.
func NewPooledProvider(name string, pool *keypool.Pool, factory Factory) *PooledProvider {
	return &PooledProvider{pool: pool, factory: factory, name: name}
}

func (p *PooledProvider) Name() string { return p.name }

// ContextLength asks the factory for a throwaway adapter just to read
// its context length; callers typically cache this value.
func (p *PooledProvider) ContextLength() int {
	k := p.pool.Get()
	return p.factory(k.Credential).ContextLength()
}

func (p *PooledProvider) SupportsTools() bool { return true }

// Chat implements Provider.
func (p *PooledProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	// errorkind folds billing/payment messages into NonRetryable; the
	// pool cools such keys down under its Billing policy.
	report := func(err error) errorkind.Kind {
		kind := errorkind.Classify(err.Error())
		if kind == errorkind.NonRetryable {
			p.pool.ReportError(keypool.Billing)
		} else {
			p.pool.ReportError(kind)
		}
		return kind
	}

	key := p.pool.Get()
	adapter := p.factory(key.Credential)

	resp, err := adapter.Chat(ctx, req)
	if err == nil {
		p.pool.ReportSuccess()
		return resp, nil
	}

	kind := report(err)

	if !errorkind.IsRetryable(kind) || p.pool.AvailableCount() == 0 {
		return nil, err
	}

	retryKey := p.pool.Get()
	if retryKey.Credential == key.Credential {
		return nil, err
	}

	retryAdapter := p.factory(retryKey.Credential)
	resp, retryErr := retryAdapter.Chat(ctx, req)
	if retryErr != nil {
		report(retryErr)
		return nil, retryErr
	}
	p.pool.ReportSuccess()
	return resp, nil
}
