package model

import "dexadapter/internal/model/enum"

// Event crosses the boundary to the host engine. Exactly one payload field
// is set, matching Kind.
type Event struct {
	Kind         enum.EventKind
	Seq          uint64
	InstrumentID InstrumentID
	TsEvent      int64

	Quote   *QuoteTick            `json:",omitempty"`
	Trade   *TradeTick            `json:",omitempty"`
	Book    *OrderBookDeltas      `json:",omitempty"`
	Order   *OrderEvent           `json:",omitempty"`
	Report  *OrderStatusReport    `json:",omitempty"`
	Account *AccountState         `json:",omitempty"`
	Recon   *ReconciliationReport `json:",omitempty"`
	Status  *VenueStatus          `json:",omitempty"`
}

func QuoteEvent(q QuoteTick) Event {
	return Event{Kind: enum.EventQuote, InstrumentID: q.InstrumentID, TsEvent: q.TsEvent, Quote: &q}
}

func TradeEvent(t TradeTick) Event {
	return Event{Kind: enum.EventTrade, InstrumentID: t.InstrumentID, TsEvent: t.TsEvent, Trade: &t}
}

func BookEvent(d OrderBookDeltas) Event {
	return Event{Kind: enum.EventBookDeltas, InstrumentID: d.InstrumentID, TsEvent: d.TsEvent, Book: &d}
}

func OrderEventOf(kind enum.EventKind, o OrderEvent) Event {
	return Event{Kind: kind, InstrumentID: o.InstrumentID, TsEvent: o.TsEvent, Order: &o}
}

func ReportEvent(r OrderStatusReport) Event {
	return Event{Kind: enum.EventOrderStatusReport, InstrumentID: r.InstrumentID, TsEvent: r.TsInit, Report: &r}
}

func AccountEvent(a AccountState) Event {
	return Event{Kind: enum.EventAccountState, TsEvent: a.TsEvent, Account: &a}
}

func ReconciliationEvent(r ReconciliationReport) Event {
	return Event{Kind: enum.EventReconciliation, TsEvent: r.TsInit, Recon: &r}
}

func StatusEvent(s VenueStatus) Event {
	return Event{Kind: enum.EventVenueStatus, TsEvent: s.TsEvent, Status: &s}
}
