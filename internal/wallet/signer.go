package wallet

import (
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	errs "dexadapter/internal/errors"
	"dexadapter/pkg/exception"
)

// Signer signs with a key it never returns.
type Signer struct {
	mu      sync.RWMutex
	key     *ecdsa.PrivateKey
	address common.Address
}

func newSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Sign returns a 65 byte [R || S || V] signature over a 32 byte digest.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	if len(digest) != crypto.DigestLength {
		return nil, exception.ErrWalletInvalidPayload
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, errs.WithKind(errs.KindAuthentication, exception.ErrWalletWiped)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, errs.WithKind(errs.KindAuthentication, errs.Wrap(err, "sign digest"))
	}
	return sig, nil
}

// SignTx signs tx for chainID with the latest signer the chain supports.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if tx == nil || chainID == nil {
		return nil, exception.ErrNilInstance
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, errs.WithKind(errs.KindAuthentication, exception.ErrWalletWiped)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, errs.WithKind(errs.KindAuthentication, errs.Wrap(err, "sign transaction"))
	}
	return signed, nil
}

// Wipe zeroes the private scalar. Later signing fails.
func (s *Signer) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return
	}
	if s.key.D != nil {
		s.key.D.SetInt64(0)
	}
	s.key = nil
}

func (s *Signer) String() string {
	return "Signer(" + s.address.Hex() + ", key redacted)"
}

func (s *Signer) GoString() string {
	return s.String()
}
