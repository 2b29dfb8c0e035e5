package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/deployments
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // exchange address
}

// DefaultDomain returns the devnet domain
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:    "SpotDEX",
		Version: "1",
		ChainID: big.NewInt(1337),
	}
}

// Primary types of the signed requests the exchange accepts
const (
	TypeDeposit       = "Deposit"
	TypeWithdraw      = "Withdraw"
	TypeLimitOrder    = "LimitOrder"
	TypeMarketOrder   = "MarketOrder"
	TypeRegisterAsset = "RegisterAsset"
)

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var transferType = []apitypes.Type{
	{Name: "trader", Type: "address"},
	{Name: "ticker", Type: "string"},
	{Name: "amount", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
}

var requestTypes = apitypes.Types{
	"EIP712Domain": domainType,
	TypeDeposit:    transferType,
	TypeWithdraw:   transferType,
	TypeLimitOrder: {
		{Name: "trader", Type: "address"},
		{Name: "ticker", Type: "string"},
		{Name: "side", Type: "string"},
		{Name: "price", Type: "uint256"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
	TypeMarketOrder: {
		{Name: "trader", Type: "address"},
		{Name: "ticker", Type: "string"},
		{Name: "side", Type: "string"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
	TypeRegisterAsset: {
		{Name: "admin", Type: "address"},
		{Name: "ticker", Type: "string"},
		{Name: "ref", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	},
}

// EIP712Signer hashes, signs and recovers exchange requests as EIP-712 typed data
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain {
	return e.domain
}

func (e *EIP712Signer) typedData(primaryType string, message apitypes.TypedDataMessage) (apitypes.TypedData, error) {
	if _, ok := requestTypes[primaryType]; !ok || primaryType == "EIP712Domain" {
		return apitypes.TypedData{}, fmt.Errorf("unknown request type %q", primaryType)
	}
	return apitypes.TypedData{
		Types:       requestTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: message,
	}, nil
}

// Hash returns the EIP-712 digest of a request
// keccak256("\x19\x01" || domainSeparator || hashStruct(message))
func (e *EIP712Signer) Hash(primaryType string, message apitypes.TypedDataMessage) ([]byte, error) {
	typedData, err := e.typedData(primaryType, message)
	if err != nil {
		return nil, err
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// SignTyped signs a request with the given key
func (e *EIP712Signer) SignTyped(signer *Signer, primaryType string, message apitypes.TypedDataMessage) ([]byte, error) {
	hash, err := e.Hash(primaryType, message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", primaryType, err)
	}
	return signer.Sign(hash)
}

// RecoverTyped returns the address that signed a request
func (e *EIP712Signer) RecoverTyped(primaryType string, message apitypes.TypedDataMessage, signature []byte) (common.Address, error) {
	hash, err := e.Hash(primaryType, message)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash %s: %w", primaryType, err)
	}
	return RecoverAddress(hash, signature)
}

// TypedDataJSON renders a request the way wallets expect for eth_signTypedData_v4
func (e *EIP712Signer) TypedDataJSON(primaryType string, message apitypes.TypedDataMessage) (string, error) {
	typedData, err := e.typedData(primaryType, message)
	if err != nil {
		return "", err
	}

	out := map[string]interface{}{
		"types": map[string][]apitypes.Type{
			"EIP712Domain": domainType,
			primaryType:    requestTypes[primaryType],
		},
		"primaryType": primaryType,
		"domain": map[string]interface{}{
			"name":              e.domain.Name,
			"version":           e.domain.Version,
			"chainId":           e.domain.ChainID.String(),
			"verifyingContract": e.domain.VerifyingContract.Hex(),
		},
		"message": typedData.Message,
	}

	jsonBytes, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}
