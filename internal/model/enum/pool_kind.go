package enum

import "fmt"

// PoolKind is the closed set of venue pool designs the adapter can price.
type PoolKind uint8

const (
	_pool_kind_beg PoolKind = iota
	PoolKindConstantProduct
	PoolKindConcentratedLiquidity
	PoolKindOrderBook
	_pool_kind_end
)

func (k PoolKind) IsAvailable() bool {
	return k > _pool_kind_beg && k < _pool_kind_end
}

// IsAMM reports whether the pool prices trades through a reserve formula.
func (k PoolKind) IsAMM() bool {
	return k == PoolKindConstantProduct || k == PoolKindConcentratedLiquidity
}

func (k PoolKind) String() string {
	switch k {
	case PoolKindConstantProduct:
		return "constantProduct"
	case PoolKindConcentratedLiquidity:
		return "concentratedLiquidity"
	case PoolKindOrderBook:
		return "orderBook"
	default:
		return "unknown"
	}
}

// ParsePoolKind accepts the names produced by String.
func ParsePoolKind(s string) (PoolKind, error) {
	for k := _pool_kind_beg + 1; k < _pool_kind_end; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown pool kind %q", s)
}

func (k PoolKind) MarshalText() ([]byte, error) {
	if !k.IsAvailable() {
		return nil, fmt.Errorf("unknown pool kind %d", k)
	}
	return []byte(k.String()), nil
}

func (k *PoolKind) UnmarshalText(b []byte) error {
	parsed, err := ParsePoolKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
