package exception

import "errors"

var (
	ErrWalletEmptyKeyRef    = errors.New("wallet: empty key reference")
	ErrWalletPlaintextKey   = errors.New("wallet: key reference looks like a plaintext key")
	ErrWalletUnsupportedRef = errors.New("wallet: unsupported key reference scheme")
	ErrWalletKeyUnavailable = errors.New("wallet: key material unavailable")
	ErrWalletInvalidKey     = errors.New("wallet: invalid key material")
	ErrWalletWiped          = errors.New("wallet: key wiped")
	ErrWalletInvalidPayload = errors.New("wallet: payload must be a 32 byte digest")
)
