package wallet

import (
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/yanun0323/logs"

	errs "dexadapter/internal/errors"
	"dexadapter/pkg/exception"
)

// Keyring resolves key references. It is built once at startup and handed
// to whatever needs a Signer; there is no package level key state.
type Keyring struct {
	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)

	mu      sync.Mutex
	signers []*Signer
}

func NewKeyring() *Keyring {
	return &Keyring{
		lookupEnv: os.LookupEnv,
		readFile:  os.ReadFile,
	}
}

// Open loads the key behind ref into a Signer. Missing material is an
// Authentication error: signing is impossible.
func (k *Keyring) Open(ref KeyRef) (*Signer, error) {
	var raw string
	switch ref.Scheme {
	case SchemeEnv:
		v, ok := k.lookupEnv(ref.Target)
		if !ok || strings.TrimSpace(v) == "" {
			return nil, errs.WithKind(errs.KindAuthentication, errs.Wrap(exception.ErrWalletKeyUnavailable, ref.String()))
		}
		raw = v
	case SchemeFile:
		b, err := k.readFile(ref.Target)
		if err != nil {
			return nil, errs.WithKind(errs.KindAuthentication, errs.Wrap(exception.ErrWalletKeyUnavailable, ref.String()))
		}
		raw = string(b)
		clear(b)
	default:
		return nil, errs.WithKind(errs.KindConfiguration, exception.ErrWalletUnsupportedRef)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		// the parse error may echo key bytes, so it is not wrapped
		return nil, errs.WithKind(errs.KindAuthentication, errs.Wrap(exception.ErrWalletInvalidKey, ref.String()))
	}

	s := newSigner(key)
	k.mu.Lock()
	k.signers = append(k.signers, s)
	k.mu.Unlock()

	logs.Infof("wallet loaded from %s, address %s", ref, s.Address().Hex())
	return s, nil
}

// Close wipes every signer the keyring handed out.
func (k *Keyring) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, s := range k.signers {
		s.Wipe()
	}
	k.signers = nil
}

func (k *Keyring) String() string {
	return "Keyring(redacted)"
}
