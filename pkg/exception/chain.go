package exception

import "errors"

var (
	ErrChainNotConnected          = errors.New("chain: not connected")
	ErrChainCircuitOpen           = errors.New("chain: circuit open")
	ErrChainSubscriptionUnsupport = errors.New("chain: subscription unsupported by transport")
	ErrChainUnknownPool           = errors.New("chain: unknown pool")
	ErrChainUnknownPoolKind       = errors.New("chain: unknown pool kind")
	ErrChainEmptyResponse         = errors.New("chain: empty response")
	ErrChainUnexpectedLog         = errors.New("chain: unexpected log")
	ErrChainRetryExhausted        = errors.New("chain: retry exhausted")
)
