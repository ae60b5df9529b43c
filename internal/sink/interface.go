package sink

import (
	"context"

	"github.com/segmentio/kafka-go"

	"dexadapter/internal/model"
)

//go:generate mockgen -source=interface.go -destination=mock/interface_mock.go -package=mock

// Sink receives every event the adapter emits, in sequence order.
type Sink interface {
	Write(ctx context.Context, e model.Event) error
	Close() error
}

// MessageWriter is the part of kafka.Writer the kafka sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}
