package sink

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
)

const (
	headerKind = "kind"
	headerSeq  = "seq"
)

// KafkaSink publishes events as JSON. Messages are keyed by instrument so
// one instrument's events stay on one partition.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	})
}

func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Write(ctx context.Context, e model.Event) error {
	msg, err := Message(e)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return errs.WithKind(errs.KindTransientNetwork, errs.Wrap(err, "publish event"))
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Message encodes e the way the kafka sink publishes it.
func Message(e model.Event) (kafka.Message, error) {
	value, err := sonic.Marshal(e)
	if err != nil {
		return kafka.Message{}, errs.Wrap(err, "encode event")
	}
	kind, _ := e.Kind.MarshalText()
	return kafka.Message{
		Key:   []byte(e.InstrumentID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerKind, Value: kind},
			{Key: headerSeq, Value: []byte(strconv.FormatUint(e.Seq, 10))},
		},
	}, nil
}
