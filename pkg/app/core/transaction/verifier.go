package transaction

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/spotdex/pkg/crypto"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrReplayedNonce    = errors.New("nonce already used")
)

// NonceStore persists accepted nonces so replays stay rejected across restarts
type NonceStore interface {
	SaveNonce(addr common.Address, nonce uint64) error
}

// Verifier authenticates signed requests
// Nonces are strictly increasing per signer; any unused value above the last one is accepted
type Verifier struct {
	eip712Signer *crypto.EIP712Signer

	mu     sync.Mutex
	nonces map[common.Address]uint64 // last accepted nonce
	store  NonceStore
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{
		eip712Signer: crypto.NewEIP712Signer(domain),
		nonces:       make(map[common.Address]uint64),
	}
}

// SetNonceStore makes Authenticate persist every accepted nonce
func (v *Verifier) SetNonceStore(store NonceStore) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.store = store
}

// RestoreNonces loads previously accepted nonces
func (v *Verifier) RestoreNonces(nonces map[common.Address]uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for addr, n := range nonces {
		v.nonces[addr] = n
	}
}

// Recover returns the address that signed the request without touching nonces
func (v *Verifier) Recover(r *SignedRequest) (common.Address, error) {
	t, err := r.typed()
	if err != nil {
		return common.Address{}, err
	}

	sigBytes, err := decodeSignature(r.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	recovered, err := v.eip712Signer.RecoverTyped(t.primaryType, t.message, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return recovered, nil
}

// Authenticate checks that the declared trader (or admin) signed the request
// and consumes its nonce. A request is consumed even if the exchange later rejects it.
func (v *Verifier) Authenticate(r *SignedRequest) (common.Address, error) {
	t, err := r.typed()
	if err != nil {
		return common.Address{}, err
	}

	recovered, err := v.Recover(r)
	if err != nil {
		return common.Address{}, err
	}
	if recovered != t.signer {
		return common.Address{}, fmt.Errorf("%w: signed by %s, declared %s", ErrInvalidSignature, recovered.Hex(), t.signer.Hex())
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if last, seen := v.nonces[t.signer]; seen && t.nonce <= last {
		return common.Address{}, fmt.Errorf("%w: %s nonce %d, last %d", ErrReplayedNonce, t.signer.Hex(), t.nonce, last)
	}
	if v.store != nil {
		if err := v.store.SaveNonce(t.signer, t.nonce); err != nil {
			return common.Address{}, fmt.Errorf("failed to save nonce: %w", err)
		}
	}
	v.nonces[t.signer] = t.nonce
	return t.signer, nil
}

// LastNonce returns the last accepted nonce for addr
func (v *Verifier) LastNonce(addr common.Address) (uint64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, ok := v.nonces[addr]
	return n, ok
}

// decodeSignature decodes hex-encoded signature (with or without 0x prefix)
func decodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(sig, "0x")
	if sig == "" {
		return nil, fmt.Errorf("missing signature")
	}

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}

	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	return sigBytes, nil
}
