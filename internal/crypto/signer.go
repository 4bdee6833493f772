package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// Signer signs transactions for one account. The chain is chosen per call so
// a network switch does not require rebuilding the key ring.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the account controlled by this signer.
func (s *Signer) Address() common.Address { return s.address }

// SignTx signs tx with EIP-155 replay protection for chainID.
func (s *Signer) SignTx(tx *types.Transaction, chainID int64) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: %w: %w", domain.ErrSigningFailed, err)
	}
	return signed, nil
}

// KeyRing holds a signer per configured account.
type KeyRing struct {
	signers map[common.Address]*Signer
}

// NewKeyRing builds a signer for every key. Duplicate keys collapse.
func NewKeyRing(keys []string) (*KeyRing, error) {
	kr := &KeyRing{signers: make(map[common.Address]*Signer, len(keys))}
	for i, k := range keys {
		s, err := NewSigner(k)
		if err != nil {
			return nil, fmt.Errorf("crypto/keyring: key %d: %w", i, err)
		}
		kr.signers[s.Address()] = s
	}
	return kr, nil
}

// Signer returns the signer for account.
func (kr *KeyRing) Signer(account common.Address) (*Signer, error) {
	s, ok := kr.signers[account]
	if !ok {
		return nil, fmt.Errorf("crypto/keyring: %s: %w", account.Hex(), domain.ErrUnknownAccount)
	}
	return s, nil
}

// Accounts lists the managed accounts in ascending address order.
func (kr *KeyRing) Accounts() []common.Address {
	out := make([]common.Address, 0, len(kr.signers))
	for a := range kr.signers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
