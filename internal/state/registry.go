package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/0xarbor/mars-core/internal/types"
)

// MaxMarkets is the position-bitmap width and therefore a hard ceiling on the
// number of markets. Raising it requires widening the user bitmaps.
const MaxMarkets = 128

// GlobalState is the market-count singleton used to allocate dense indices.
type GlobalState struct {
	MarketCount uint32
}

// MarketRegistry owns the set of markets and the denom/index/token lookups.
// Not thread-safe: only accessed from the single-threaded core.
type MarketRegistry struct {
	markets      map[string]*Market // denom -> market
	denomByIndex map[uint32]string
	denomByToken map[string]string
	global       GlobalState
}

func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		markets:      make(map[string]*Market),
		denomByIndex: make(map[uint32]string),
		denomByToken: make(map[string]string),
	}
}

// Create allocates the next dense index and initializes a market for denom.
func (r *MarketRegistry) Create(
	blockTime time.Time,
	denom string,
	kind AssetKind,
	tokenAddress string,
	params types.AssetParams,
) (*Market, error) {
	if _, ok := r.markets[denom]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketExists, denom)
	}
	if r.global.MarketCount >= MaxMarkets {
		return nil, &ValidationError{
			Field:  "asset",
			Reason: fmt.Sprintf("market capacity of %d reached", MaxMarkets),
		}
	}

	m, err := CreateMarket(blockTime, r.global.MarketCount, denom, kind, tokenAddress, params)
	if err != nil {
		return nil, err
	}

	r.markets[denom] = m
	r.denomByIndex[m.Index] = denom
	if tokenAddress != "" {
		r.denomByToken[tokenAddress] = denom
	}
	r.global.MarketCount++

	return m, nil
}

// Update overlays params onto an existing market and re-validates the merge.
func (r *MarketRegistry) Update(denom string, params types.AssetParams) (*Market, error) {
	current, err := r.Get(denom)
	if err != nil {
		return nil, err
	}

	updated, err := current.UpdateWith(params)
	if err != nil {
		return nil, err
	}

	r.markets[denom] = updated
	return updated, nil
}

func (r *MarketRegistry) Get(denom string) (*Market, error) {
	m, ok := r.markets[denom]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, denom)
	}
	return m, nil
}

func (r *MarketRegistry) GetByIndex(index uint32) (*Market, error) {
	denom, ok := r.denomByIndex[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrMarketNotFound, index)
	}
	return r.markets[denom], nil
}

func (r *MarketRegistry) GetByToken(tokenAddress string) (*Market, error) {
	denom, ok := r.denomByToken[tokenAddress]
	if !ok {
		return nil, fmt.Errorf("%w: token %s", ErrMarketNotFound, tokenAddress)
	}
	return r.markets[denom], nil
}

func (r *MarketRegistry) Count() uint32 {
	return r.global.MarketCount
}

func (r *MarketRegistry) Global() GlobalState {
	return r.global
}

// All returns every market ordered by dense index.
func (r *MarketRegistry) All() []*Market {
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// SetMarket installs a market during snapshot restore.
func (r *MarketRegistry) SetMarket(m *Market) {
	r.markets[m.Denom] = m
	r.denomByIndex[m.Index] = m.Denom
	if m.TokenAddress != "" {
		r.denomByToken[m.TokenAddress] = m.Denom
	}
}

// SetMarketCount restores the global counter during snapshot restore.
func (r *MarketRegistry) SetMarketCount(n uint32) {
	r.global.MarketCount = n
}
