package wallet

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Standard BIP39 test vector phrase.
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDeriveKeysDeterministic(t *testing.T) {
	k1, err := DeriveKeys(testMnemonic)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	k2, err := DeriveKeys(testMnemonic)
	if err != nil {
		t.Fatalf("DeriveKeys (second): %v", err)
	}

	if k1.TonPublicKeyHex() != k2.TonPublicKeyHex() {
		t.Error("ledger keys differ across derivations")
	}
	if k1.BtcPublicKeyHex() != k2.BtcPublicKeyHex() {
		t.Error("bitcoin keys differ across derivations")
	}
	if k1.EthAddress() != k2.EthAddress() {
		t.Error("evm addresses differ across derivations")
	}
}

func TestDeriveKeysFormats(t *testing.T) {
	k, err := DeriveKeys(testMnemonic)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}

	tonPub := k.TonPublicKeyHex()
	if !strings.HasPrefix(tonPub, "0x") || len(tonPub) != 2+64 {
		t.Errorf("ledger public key %q not 64 hex digits", tonPub)
	}

	btcPub := k.BtcPublicKeyHex()
	if len(btcPub) != 2+66 {
		t.Errorf("bitcoin public key %q not 66 hex digits", btcPub)
	}
	if !strings.HasPrefix(btcPub, "0x02") && !strings.HasPrefix(btcPub, "0x03") {
		t.Errorf("bitcoin public key %q not compressed", btcPub)
	}

	ethAddr := k.EthAddress()
	if !strings.HasPrefix(ethAddr, "0x") || len(ethAddr) != 2+40 {
		t.Errorf("evm address %q malformed", ethAddr)
	}
}

func TestDeriveKeysRejectsInvalidMnemonic(t *testing.T) {
	if _, err := DeriveKeys("not a real phrase"); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestGenerateMnemonic(t *testing.T) {
	m, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	if got := len(strings.Fields(m)); got != 24 {
		t.Errorf("mnemonic has %d words, want 24", got)
	}
	if _, err := DeriveKeys(m); err != nil {
		t.Errorf("generated mnemonic not derivable: %v", err)
	}
}

func TestEncryptedSeedRoundTrip(t *testing.T) {
	encrypted, err := EncryptMnemonic(testMnemonic, "correct horse")
	if err != nil {
		t.Fatalf("EncryptMnemonic: %v", err)
	}

	got, err := DecryptMnemonic(encrypted, "correct horse")
	if err != nil {
		t.Fatalf("DecryptMnemonic: %v", err)
	}
	if got != testMnemonic {
		t.Error("decrypted mnemonic differs")
	}

	if _, err := DecryptMnemonic(encrypted, "wrong"); err == nil {
		t.Error("expected error with wrong password")
	}
}

func TestLoadMnemonicFile(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain.key")
	if err := os.WriteFile(plain, []byte(testMnemonic+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	got, err := LoadMnemonicFile(plain, "")
	if err != nil {
		t.Fatalf("LoadMnemonicFile (plain): %v", err)
	}
	if got != testMnemonic {
		t.Error("plain mnemonic differs")
	}

	encrypted, err := EncryptMnemonic(testMnemonic, "pw")
	if err != nil {
		t.Fatal(err)
	}
	encPath := filepath.Join(dir, "enc.key")
	if err := SaveEncryptedSeed(encrypted, encPath); err != nil {
		t.Fatalf("SaveEncryptedSeed: %v", err)
	}

	got, err = LoadMnemonicFile(encPath, "pw")
	if err != nil {
		t.Fatalf("LoadMnemonicFile (encrypted): %v", err)
	}
	if got != testMnemonic {
		t.Error("encrypted mnemonic differs")
	}

	if _, err := LoadMnemonicFile(encPath, ""); err == nil {
		t.Error("expected error loading encrypted file without password")
	}

	garbage := filepath.Join(dir, "garbage.key")
	if err := os.WriteFile(garbage, []byte("twelve random words that are not bip39"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMnemonicFile(garbage, ""); err == nil {
		t.Error("expected error for invalid phrase file")
	}
}
