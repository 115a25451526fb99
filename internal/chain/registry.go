package chain

import (
	"fmt"
	"sync"

	"github.com/ayo6706/crypto-custody/internal/domain"
)

// Registry dispatches to the builder for a network.
type Registry struct {
	mu        sync.RWMutex
	builders  map[domain.Network]Builder
	contracts Contracts
}

func NewRegistry(contracts Contracts, builders ...Builder) *Registry {
	r := &Registry{
		builders:  make(map[domain.Network]Builder, len(builders)),
		contracts: contracts,
	}
	for _, b := range builders {
		r.Register(b)
	}
	return r
}

func (r *Registry) Register(b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[b.Network()] = b
}

func (r *Registry) Builder(network domain.Network) (Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBuilderNotFound, network)
	}
	return b, nil
}

// Resolve returns the asset and builder for a (network, currency) pair.
func (r *Registry) Resolve(network domain.Network, currency string) (Asset, Builder, error) {
	asset, err := LookupAsset(network, currency, r.contracts)
	if err != nil {
		return Asset{}, nil, err
	}
	b, err := r.Builder(network)
	if err != nil {
		return Asset{}, nil, err
	}
	return asset, b, nil
}
