package exception

import "errors"

var (
	ErrOrderDuplicate         = errors.New("order: duplicate client order id")
	ErrOrderNotFound          = errors.New("order: not found")
	ErrOrderInvalidTransition = errors.New("order: invalid state transition")
	ErrOrderInvalidRequest    = errors.New("order: invalid request")
	ErrOrderSizeOutOfRange    = errors.New("order: size out of instrument range")
	ErrOrderPriceImpact       = errors.New("order: price impact above limit")
	ErrOrderGasAboveLimit     = errors.New("order: gas estimate above limit")
	ErrOrderNoLiquidity       = errors.New("order: not enough liquidity")
	ErrCancelUnsupported      = errors.New("order: cancel unsupported by venue")
	ErrCancelNotCancelable    = errors.New("order: order is not cancelable in its current state")
)
