package errors

import (
	"errors"
	"testing"
)

var errWrapped = errors.New("connection reset by peer")

func BenchmarkClassify(b *testing.B) {
	kinded := WithKind(KindTransientNetwork, Wrap(errWrapped, "eth_call"))

	b.Run("wrap", func(b *testing.B) {
		for b.Loop() {
			_ = Wrap(errWrapped, "eth_getLogs").Error()
		}
	})

	b.Run("kind of", func(b *testing.B) {
		for b.Loop() {
			_ = KindOf(kinded)
		}
	})

	b.Run("retryable unknown", func(b *testing.B) {
		for b.Loop() {
			_ = IsRetryable(errWrapped)
		}
	})
}
