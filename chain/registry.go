package chain

import (
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownChain   = fmt.Errorf("unknown chain")
	ErrNoNonceSource  = fmt.Errorf("account-nonce chain client must implement NonceSource")
	ErrDuplicateChain = fmt.Errorf("chain already registered")
	ErrEmptyChainID   = fmt.Errorf("chain id cannot be empty")
	ErrNilChainClient = fmt.Errorf("chain client cannot be nil")
)

// Network is a registered descriptor together with its client.
type Network struct {
	Descriptor Descriptor
	Client     Client
}

// Nonces returns the network's nonce source, if it has one.
func (n Network) Nonces() (NonceSource, bool) {
	ns, ok := n.Client.(NonceSource)
	return ns, ok
}

// Registry maps chain ids to networks. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	networks map[ID]Network
}

func NewRegistry() *Registry {
	return &Registry{networks: make(map[ID]Network)}
}

// Register adds a network. Account-nonce networks must come with a client that
// implements NonceSource.
func (r *Registry) Register(d Descriptor, c Client) error {
	if d.ID == "" {
		return ErrEmptyChainID
	}
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNilChainClient, d.ID)
	}
	if d.AddressModel == AccountNonce {
		if _, ok := c.(NonceSource); !ok {
			return fmt.Errorf("%w: %s", ErrNoNonceSource, d.ID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.networks[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateChain, d.ID)
	}
	r.networks[d.ID] = Network{Descriptor: d, Client: c}
	return nil
}

// Get returns the network registered under id.
func (r *Registry) Get(id ID) (Network, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.networks[id]
	if !ok {
		return Network{}, fmt.Errorf("%w: %s", ErrUnknownChain, id)
	}
	return n, nil
}

// Descriptors returns all registered descriptors ordered by id.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.networks))
	for _, n := range r.networks {
		out = append(out, n.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NonceSource returns the nonce source of the network registered under id.
func (r *Registry) NonceSource(id ID) (NonceSource, error) {
	n, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	ns, ok := n.Nonces()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoNonceSource, id)
	}
	return ns, nil
}
