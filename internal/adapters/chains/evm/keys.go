package evm

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// LoadKey returns the custodial signing key. A raw hex key takes precedence;
// otherwise the key is derived from the mnemonic at m/44'/60'/0'/0/index.
func LoadKey(privateKeyHex, mnemonic string, index uint32) (*ecdsa.PrivateKey, error) {
	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid evm private key: %w", err)
		}
		return key, nil
	}
	if mnemonic == "" {
		return nil, errors.New("no evm private key or mnemonic configured")
	}
	return DeriveKey(mnemonic, index)
}

// DeriveKey walks the BIP-44 Ethereum path from a mnemonic.
func DeriveKey(mnemonic string, index uint32) (*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	master, err := bip32.NewMasterKey(bip39.NewSeed(mnemonic, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	path := []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + 60,
		bip32.FirstHardenedChild + 0,
		0,
		index,
	}
	key := master
	for _, child := range path {
		key, err = key.NewChildKey(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
	}
	return crypto.ToECDSA(key.Key)
}
