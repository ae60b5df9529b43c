// Package sink forwards adapter events to the outside world.
package sink

import (
	"context"
	"errors"

	"github.com/yanun0323/logs"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/internal/model/enum"
)

// LogSink writes a one-line summary of each event to the process log.
type LogSink struct{}

func (LogSink) Write(_ context.Context, e model.Event) error {
	logs.Infof("event %d %s %s", e.Seq, e.Kind, describe(e))
	return nil
}

func (LogSink) Close() error { return nil }

func describe(e model.Event) string {
	switch e.Kind {
	case enum.EventQuote:
		return e.InstrumentID.String() + " bid " + e.Quote.Bid.String() + " ask " + e.Quote.Ask.String()
	case enum.EventTrade:
		return e.InstrumentID.String() + " " + e.Trade.Aggressor.String() + " " + e.Trade.Size.String() + " @ " + e.Trade.Price.String()
	case enum.EventVenueStatus:
		if e.Status.Reason != "" {
			return e.Status.Status.String() + " (" + e.Status.Reason + ")"
		}
		return e.Status.Status.String()
	case enum.EventOrderAccepted, enum.EventOrderRejected, enum.EventOrderFilled,
		enum.EventOrderCanceled, enum.EventOrderCancelRejected:
		s := e.InstrumentID.String() + " " + e.Order.ClientOrderID
		if e.Order.Reason != "" {
			s += " " + e.Order.Reason
		}
		return s
	default:
		return e.InstrumentID.String()
	}
}

// Pump drains events into every sink until the channel closes or ctx is
// done. A failing sink is logged and does not stop the others. The first
// error is returned once draining ends.
func Pump(ctx context.Context, events <-chan model.Event, sinks ...Sink) error {
	var first error
	for {
		select {
		case <-ctx.Done():
			return first
		case e, ok := <-events:
			if !ok {
				return first
			}
			for _, s := range sinks {
				if err := s.Write(ctx, e); err != nil {
					if errors.Is(err, context.Canceled) {
						return first
					}
					logs.Errorf("write event %d, err: %+v", e.Seq, err)
					if first == nil {
						first = errs.Wrap(err, "sink write")
					}
				}
			}
		}
	}
}

// CloseAll closes every sink and reports the first failure.
func CloseAll(sinks ...Sink) error {
	var first error
	for _, s := range sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
