package model

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"dexadapter/internal/model/enum"
)

const feeTierDenominator = 1_000_000

// DefaultVenue names the venue when the config does not.
const DefaultVenue = "DEX"

// InstrumentID is the canonical `{SYMBOL}.{VENUE}` identifier.
type InstrumentID struct {
	Symbol string
	Venue  string
}

// NewInstrumentID builds `{BASE}-{QUOTE}.{VENUE}`.
func NewInstrumentID(base, quote, venue string) InstrumentID {
	return InstrumentID{
		Symbol: strings.ToUpper(base) + "-" + strings.ToUpper(quote),
		Venue:  strings.ToUpper(venue),
	}
}

// ParseInstrumentID splits at the last dot; token symbols may contain dots.
func ParseInstrumentID(s string) (InstrumentID, error) {
	idx := strings.LastIndexByte(s, '.')
	if idx <= 0 || idx == len(s)-1 {
		return InstrumentID{}, fmt.Errorf("invalid instrument id %q", s)
	}
	return InstrumentID{Symbol: s[:idx], Venue: s[idx+1:]}, nil
}

func (id InstrumentID) String() string {
	return id.Symbol + "." + id.Venue
}

func (id InstrumentID) IsZero() bool {
	return id.Symbol == "" && id.Venue == ""
}

func (id InstrumentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *InstrumentID) UnmarshalText(b []byte) error {
	parsed, err := ParseInstrumentID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Currency is an on-chain token.
type Currency struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
}

// Instrument is immutable once published by the registry; a refresh
// replaces it wholesale.
type Instrument struct {
	ID             InstrumentID
	Kind           enum.PoolKind
	Pool           common.Address
	Base           Currency
	Quote          Currency
	BaseIsToken0   bool
	FeeTier        uint32
	TickSpacing    int32
	PricePrecision int32
	SizePrecision  int32
	MinSize        decimal.Decimal
	MaxSize        decimal.Decimal
	TsInit         int64
}

// FeeRate converts the tier (hundredths of a bip) into a fraction.
func (i Instrument) FeeRate() decimal.Decimal {
	return decimal.New(int64(i.FeeTier), 0).Div(decimal.New(feeTierDenominator, 0))
}

func (i Instrument) PriceIncrement() decimal.Decimal {
	return decimal.New(1, -i.PricePrecision)
}

func (i Instrument) SizeIncrement() decimal.Decimal {
	return decimal.New(1, -i.SizePrecision)
}

// CheckSize reports whether qty is tradable on this instrument.
func (i Instrument) CheckSize(qty decimal.Decimal) bool {
	if !qty.IsPositive() {
		return false
	}
	if qty.LessThan(i.MinSize) {
		return false
	}
	if i.MaxSize.IsPositive() && qty.GreaterThan(i.MaxSize) {
		return false
	}
	return true
}

// Tokens returns (token0, token1) in pool order.
func (i Instrument) Tokens() (Currency, Currency) {
	if i.BaseIsToken0 {
		return i.Base, i.Quote
	}
	return i.Quote, i.Base
}
