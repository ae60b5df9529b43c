package wallet

import (
	"regexp"
	"strings"

	errs "dexadapter/internal/errors"
	"dexadapter/pkg/exception"
)

const (
	SchemeEnv  = "env"
	SchemeFile = "file"
)

var plaintextKey = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)

// KeyRef is an opaque handle naming where key material lives. It never
// carries the key itself.
type KeyRef struct {
	Scheme string
	Target string
}

// ParseKeyRef accepts "env:NAME" and "file:/path". Anything that looks like
// a raw private key is refused.
func ParseKeyRef(s string) (KeyRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return KeyRef{}, errs.WithKind(errs.KindConfiguration, exception.ErrWalletEmptyKeyRef)
	}
	if plaintextKey.MatchString(s) {
		return KeyRef{}, errs.WithKind(errs.KindConfiguration, exception.ErrWalletPlaintextKey)
	}

	scheme, target, ok := strings.Cut(s, ":")
	if !ok || target == "" {
		return KeyRef{}, errs.WithKind(errs.KindConfiguration, exception.ErrWalletUnsupportedRef)
	}
	switch scheme {
	case SchemeEnv, SchemeFile:
		if plaintextKey.MatchString(target) {
			return KeyRef{}, errs.WithKind(errs.KindConfiguration, exception.ErrWalletPlaintextKey)
		}
		return KeyRef{Scheme: scheme, Target: target}, nil
	default:
		return KeyRef{}, errs.WithKind(errs.KindConfiguration, errs.Wrap(exception.ErrWalletUnsupportedRef, scheme))
	}
}

func (r KeyRef) String() string {
	if r.Scheme == "" {
		return "<none>"
	}
	return r.Scheme + ":" + r.Target
}

func (r KeyRef) IsZero() bool {
	return r.Scheme == ""
}
