package chain

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"

	errs "dexadapter/internal/errors"
)

// JSON-RPC error codes with a fixed meaning.
const (
	rpcCodeParse          = -32700
	rpcCodeInvalidRequest = -32600
	rpcCodeMethodNotFound = -32601
	rpcCodeInvalidParams  = -32602
	rpcCodeLimitExceeded  = -32005
	rpcCodeExecution      = 3
)

var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"too many requests",
	"rate limit",
	"header not found",
	"service unavailable",
	"server busy",
}

var rejectedMessages = []string{
	"execution reverted",
	"insufficient funds",
	"nonce too low",
	"intrinsic gas too low",
	"gas required exceeds allowance",
	"replacement transaction underpriced",
}

// Classify tags err with a Kind. Already classified errors, cancellations
// and ethereum.NotFound pass through untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ethereum.NotFound) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.WithKind(errs.KindTimeout, err)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 401 || httpErr.StatusCode == 403:
			return errs.WithKind(errs.KindAuthentication, err)
		case httpErr.StatusCode == 408 || httpErr.StatusCode == 429 || httpErr.StatusCode >= 500:
			return errs.WithKind(errs.KindTransientNetwork, err)
		default:
			return errs.WithKind(errs.KindMalformedResponse, err)
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case rpcCodeParse, rpcCodeInvalidRequest, rpcCodeMethodNotFound, rpcCodeInvalidParams:
			return errs.WithKind(errs.KindMalformedResponse, err)
		case rpcCodeLimitExceeded:
			return errs.WithKind(errs.KindTransientNetwork, err)
		case rpcCodeExecution:
			return errs.WithKind(errs.KindTransactionReverted, err)
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range rejectedMessages {
		if strings.Contains(msg, m) {
			return errs.WithKind(errs.KindTransactionReverted, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errs.WithKind(errs.KindTimeout, err)
		}
		return errs.WithKind(errs.KindTransientNetwork, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return errs.WithKind(errs.KindTransientNetwork, err)
	}
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return errs.WithKind(errs.KindTransientNetwork, err)
		}
	}
	if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") {
		return errs.WithKind(errs.KindAuthentication, err)
	}

	return errs.WithKind(errs.KindTransientNetwork, err)
}
