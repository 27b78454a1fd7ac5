package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	// ErrInvalidSignature is returned when a transfer signature does not bind
	// to the claimed payer.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidAuthorization is returned when a delegation authorization is
	// malformed, targets another chain, or was not signed by the payer.
	ErrInvalidAuthorization = errors.New("invalid authorization")
)

// VerifyTransfer recovers the signer of a transfer intent and checks it is the
// payer. The domain's verifying contract must be the payer's own account, which
// binds the signature to exactly one account.
func VerifyTransfer(intent *ParsedIntent, domain TypedDataDomain, signature []byte) (common.Address, error) {
	if !IsValidAddress(domain.VerifyingContract) || common.HexToAddress(domain.VerifyingContract) != intent.From {
		return common.Address{}, fmt.Errorf("%w: verifying contract %s is not the payer", ErrInvalidSignature, domain.VerifyingContract)
	}

	digest, err := HashTransferIntent(intent, domain)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	signer, err := RecoverSigner(digest, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if signer != intent.From {
		return common.Address{}, fmt.Errorf("%w: recovered %s, expected %s", ErrInvalidSignature, signer.Hex(), intent.From.Hex())
	}
	return signer, nil
}

// RecoverSigner recovers the address that signed a 32-byte digest. Both 0/1
// and 27/28 recovery ids are accepted.
func RecoverSigner(digest []byte, signature []byte) (common.Address, error) {
	r, s, v, err := SplitSignature(signature)
	if err != nil {
		return common.Address{}, err
	}

	sig := make([]byte, 65)
	copy(sig[0:32], r[:])
	copy(sig[32:64], s[:])
	sig[64] = v

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// ToSetCode converts the wire authorization into go-ethereum's representation.
func (a Authorization) ToSetCode() (types.SetCodeAuthorization, error) {
	chainID, err := ParseUint256(a.ChainID)
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("invalid chain id: %w", err)
	}
	if !IsValidAddress(a.Address) {
		return types.SetCodeAuthorization{}, fmt.Errorf("invalid delegate address: %q", a.Address)
	}
	sigBytes, err := HexToBytes(a.Signature)
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	r, s, v, err := SplitSignature(sigBytes)
	if err != nil {
		return types.SetCodeAuthorization{}, err
	}

	return types.SetCodeAuthorization{
		ChainID: *ToUint256(chainID),
		Address: common.HexToAddress(a.Address),
		Nonce:   a.Nonce,
		V:       v,
		R:       *new(uint256.Int).SetBytes(r[:]),
		S:       *new(uint256.Int).SetBytes(s[:]),
	}, nil
}

// AuthorizationFromSetCode converts a signed go-ethereum authorization to its
// wire form.
func AuthorizationFromSetCode(auth types.SetCodeAuthorization) Authorization {
	r := auth.R.Bytes32()
	s := auth.S.Bytes32()
	sig := make([]byte, 0, 65)
	sig = append(sig, r[:]...)
	sig = append(sig, s[:]...)
	sig = append(sig, auth.V+27)

	return Authorization{
		ChainID:   auth.ChainID.Dec(),
		Address:   auth.Address.Hex(),
		Nonce:     auth.Nonce,
		Signature: BytesToHex(sig),
	}
}

// VerifyAuthorization checks that a delegation authorization targets the active
// chain and recovers to the payer. Chain id 0 (valid on any chain) is rejected.
func VerifyAuthorization(auth Authorization, chainID *big.Int, payer common.Address) (types.SetCodeAuthorization, error) {
	setCode, err := auth.ToSetCode()
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("%w: %v", ErrInvalidAuthorization, err)
	}
	if setCode.ChainID.ToBig().Cmp(chainID) != 0 {
		return types.SetCodeAuthorization{}, fmt.Errorf("%w: chain id %s does not match active chain %s", ErrInvalidAuthorization, setCode.ChainID.Dec(), chainID)
	}
	authority, err := setCode.Authority()
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("%w: %v", ErrInvalidAuthorization, err)
	}
	if authority != payer {
		return types.SetCodeAuthorization{}, fmt.Errorf("%w: signed by %s, expected %s", ErrInvalidAuthorization, authority.Hex(), payer.Hex())
	}
	return setCode, nil
}

// ParseDelegation reports the delegate an account's code points at, if the code
// is an EIP-7702 delegation designator.
func ParseDelegation(code []byte) (common.Address, bool) {
	return types.ParseDelegation(code)
}
