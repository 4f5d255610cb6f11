// Package wallet manages the daemon's key material and native-ledger
// transfers. One mnemonic seeds every chain leg: the ledger wallet key is
// derived with the ledger's PBKDF2 scheme, the Bitcoin and EVM keys follow
// BIP44.
package wallet

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"

	"github.com/tonswap-exchange/tonswapd/pkg/helpers"
)

// Ledger key derivation parameters. Fixed by the wallet contract ecosystem;
// changing them changes every derived address.
const (
	tonSeedSalt       = "TON default seed"
	tonSeedIterations = 100000
)

// Keys holds every per-chain key derived from one mnemonic.
type Keys struct {
	// Ledger wallet keypair.
	TonPrivate ed25519.PrivateKey
	TonPublic  ed25519.PublicKey

	// Bitcoin leg key (m/44'/0'/0'/0/0).
	BtcPrivate *btcec.PrivateKey

	// EVM leg key (m/44'/60'/0'/0/0).
	EthPrivate *secp256k1.PrivateKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// DeriveKeys derives all chain keys from a BIP39 mnemonic.
func DeriveKeys(mnemonic string) (*Keys, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	tonPriv, tonPub, err := deriveTonKeys(mnemonic)
	if err != nil {
		return nil, err
	}

	seed := bip39.NewSeed(mnemonic, "")
	defer SecureClear(seed)

	btcPriv, err := deriveBIP44Key(seed, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive bitcoin key: %w", err)
	}
	ethPriv, err := deriveBIP44Key(seed, 60)
	if err != nil {
		return nil, fmt.Errorf("failed to derive evm key: %w", err)
	}

	return &Keys{
		TonPrivate: tonPriv,
		TonPublic:  tonPub,
		BtcPrivate: btcPriv,
		EthPrivate: ethPriv,
	}, nil
}

// deriveTonKeys derives the ledger ed25519 keypair: the mnemonic is run
// through HMAC-SHA512 and PBKDF2 with the ledger's fixed salt, and the
// resulting 32 bytes seed the key. The public point is recomputed through
// the curve to reject a non-canonical seed early.
func deriveTonKeys(mnemonic string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	mac := hmac.New(sha512.New, []byte(mnemonic))
	entropy := mac.Sum(nil)

	seed := pbkdf2.Key(entropy, []byte(tonSeedSalt), tonSeedIterations, ed25519.SeedSize, sha512.New)
	defer SecureClear(seed)

	h := sha512.Sum512(seed)
	scalar, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive wallet scalar: %w", err)
	}
	point := new(edwards25519.Point).ScalarBaseMult(scalar)

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if !helpers.ConstantTimeCompare(point.Bytes(), pub) {
		return nil, nil, fmt.Errorf("derived public key mismatch")
	}

	return priv, pub, nil
}

// deriveBIP44Key derives the first external key at m/44'/coin'/0'/0/0.
func deriveBIP44Key(seed []byte, coinType uint32) (*secp256k1.PrivateKey, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	key := master
	for _, child := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart,
		0,
		0,
	} {
		if key, err = key.Derive(child); err != nil {
			return nil, fmt.Errorf("failed to derive child %d: %w", child, err)
		}
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}
	return priv, nil
}

// TonPublicKeyHex returns the ledger public key as fixed-width hex.
func (k *Keys) TonPublicKeyHex() string {
	return helpers.HexAlign(helpers.BytesToHex(k.TonPublic), 64)
}

// BtcPublicKeyHex returns the compressed Bitcoin public key as fixed-width
// hex. On BTC pairs this is what the order-book record carries as the
// foreign address.
func (k *Keys) BtcPublicKeyHex() string {
	return helpers.HexAlign(helpers.BytesToHex(k.BtcPrivate.PubKey().SerializeCompressed()), 66)
}

// EthAddress returns the checksummed EVM address of the EVM leg key.
func (k *Keys) EthAddress() string {
	return ethcrypto.PubkeyToAddress(k.EthPrivate.ToECDSA().PublicKey).Hex()
}
