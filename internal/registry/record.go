package registry

import (
	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
)

const recordVersion = 1

// Record is the cached form of an instrument.
type Record struct {
	ID             model.InstrumentID `json:"id"`
	Kind           enum.PoolKind      `json:"kind"`
	Pool           common.Address     `json:"pool"`
	Base           CurrencyRecord     `json:"base"`
	Quote          CurrencyRecord     `json:"quote"`
	BaseIsToken0   bool               `json:"baseIsToken0"`
	FeeTier        uint32             `json:"feeTier"`
	TickSpacing    int32              `json:"tickSpacing"`
	PricePrecision int32              `json:"pricePrecision"`
	SizePrecision  int32              `json:"sizePrecision"`
	MinSize        decimal.Decimal    `json:"minSize"`
	MaxSize        decimal.Decimal    `json:"maxSize"`
	TsInit         int64              `json:"tsInit"`
}

type CurrencyRecord struct {
	Symbol   string         `json:"symbol"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

// Document is what a cache stores.
type Document struct {
	Version   int      `json:"version"`
	Timestamp int64    `json:"timestamp"`
	Records   []Record `json:"records"`
}

func NewRecord(inst model.Instrument) Record {
	return Record{
		ID:             inst.ID,
		Kind:           inst.Kind,
		Pool:           inst.Pool,
		Base:           CurrencyRecord(inst.Base),
		Quote:          CurrencyRecord(inst.Quote),
		BaseIsToken0:   inst.BaseIsToken0,
		FeeTier:        inst.FeeTier,
		TickSpacing:    inst.TickSpacing,
		PricePrecision: inst.PricePrecision,
		SizePrecision:  inst.SizePrecision,
		MinSize:        inst.MinSize,
		MaxSize:        inst.MaxSize,
		TsInit:         inst.TsInit,
	}
}

func (r Record) Instrument() model.Instrument {
	return model.Instrument{
		ID:             r.ID,
		Kind:           r.Kind,
		Pool:           r.Pool,
		Base:           model.Currency(r.Base),
		Quote:          model.Currency(r.Quote),
		BaseIsToken0:   r.BaseIsToken0,
		FeeTier:        r.FeeTier,
		TickSpacing:    r.TickSpacing,
		PricePrecision: r.PricePrecision,
		SizePrecision:  r.SizePrecision,
		MinSize:        r.MinSize,
		MaxSize:        r.MaxSize,
		TsInit:         r.TsInit,
	}
}

// EncodeRecord serialises one instrument.
func EncodeRecord(inst model.Instrument) ([]byte, error) {
	return sonic.Marshal(NewRecord(inst))
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(data []byte) (model.Instrument, error) {
	var r Record
	if err := sonic.Unmarshal(data, &r); err != nil {
		return model.Instrument{}, errs.WithKind(errs.KindMalformedResponse, errs.Wrap(err, "decode instrument record"))
	}
	if !r.Kind.IsAvailable() || r.ID.IsZero() {
		return model.Instrument{}, errs.Newf(errs.KindMalformedResponse, "instrument record %q is incomplete", r.ID)
	}
	return r.Instrument(), nil
}

// EncodeDocument serialises a whole registry.
func EncodeDocument(insts []model.Instrument, ts int64) ([]byte, error) {
	doc := Document{Version: recordVersion, Timestamp: ts, Records: make([]Record, 0, len(insts))}
	for _, inst := range insts {
		doc.Records = append(doc.Records, NewRecord(inst))
	}
	return sonic.ConfigStd.MarshalIndent(doc, "", "  ")
}

func DecodeDocument(data []byte) ([]model.Instrument, error) {
	var doc Document
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, errs.WithKind(errs.KindMalformedResponse, errs.Wrap(err, "decode registry document"))
	}
	if doc.Version != recordVersion {
		return nil, errs.Newf(errs.KindMalformedResponse, "registry document version %d, want %d", doc.Version, recordVersion)
	}
	out := make([]model.Instrument, 0, len(doc.Records))
	for _, r := range doc.Records {
		if !r.Kind.IsAvailable() || r.ID.IsZero() {
			return nil, errs.Newf(errs.KindMalformedResponse, "instrument record %q is incomplete", r.ID)
		}
		out = append(out, r.Instrument())
	}
	return out, nil
}
