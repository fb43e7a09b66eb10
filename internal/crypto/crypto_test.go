package crypto

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey()
	plaintext := []byte("hello, speech2prompt")

	ciphertext, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decrypt(key, ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestDecryptFailsOnBitFlip(t *testing.T) {
	key := testKey()
	ciphertext, err := Encrypt(key, []byte("tamper me"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := []byte(ciphertext)
	// Flip a bit in the middle of the base64 payload.
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}
	if _, err := Decrypt(key, string(tampered)); err == nil {
		t.Fatal("expected decrypt to fail on tampered ciphertext")
	}
}

func TestDecryptFailsOnWrongKey(t *testing.T) {
	key := testKey()
	wrongKey := bytes.Repeat([]byte{0x24}, 32)
	ciphertext, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(wrongKey, ciphertext); err == nil {
		t.Fatal("expected decrypt to fail with wrong key")
	}
}

func TestX25519ECDHSharedSecretMatches(t *testing.T) {
	privA, pubA, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	privB, pubB, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}

	keyA, err := DeriveECDHKey(privA, pubB)
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := DeriveECDHKey(privB, pubA)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(keyA, keyB) {
		t.Fatalf("derived keys differ: %x vs %x", keyA, keyB)
	}
	if len(keyA) != 32 {
		t.Fatalf("derived key length = %d, want 32", len(keyA))
	}
}

func TestParseX25519PublicKeyRejectsWrongSize(t *testing.T) {
	if _, err := ParseX25519PublicKey(make([]byte, 16)); err == nil {
		t.Fatal("expected error for wrong-size public key")
	}
}

func TestDerivePINKeyDeterministic(t *testing.T) {
	k1 := DerivePINKey("123456", "android-abc", "linux-xyz")
	k2 := DerivePINKey("123456", "android-abc", "linux-xyz")
	if !bytes.Equal(k1, k2) {
		t.Fatal("PIN key derivation not deterministic")
	}
	k3 := DerivePINKey("654321", "android-abc", "linux-xyz")
	if bytes.Equal(k1, k3) {
		t.Fatal("different PINs produced the same key")
	}
	if len(k1) != 32 {
		t.Fatalf("PIN key length = %d, want 32", len(k1))
	}
}

func TestChecksumVerifyRoundTrip(t *testing.T) {
	key := testKey()
	cs := Checksum(1, "TEXT", "hello", 12345, key)
	if len(cs) != 8 {
		t.Fatalf("checksum length = %d, want 8", len(cs))
	}
	if !VerifyChecksum(1, "TEXT", "hello", 12345, cs, key) {
		t.Fatal("checksum failed to verify its own output")
	}
}

func TestChecksumMutationFailsVerify(t *testing.T) {
	key := testKey()
	cs := Checksum(1, "TEXT", "hello", 12345, key)

	if VerifyChecksum(1, "TEXT", "goodbye", 12345, cs, key) {
		t.Error("payload mutation should invalidate checksum")
	}
	if VerifyChecksum(1, "TEXT", "hello", 99999, cs, key) {
		t.Error("timestamp mutation should invalidate checksum")
	}
	if VerifyChecksum(2, "TEXT", "hello", 12345, cs, key) {
		t.Error("version mutation should invalidate checksum")
	}
	if VerifyChecksum(1, "WORD", "hello", 12345, cs, key) {
		t.Error("type mutation should invalidate checksum")
	}
}

func TestEmptyChecksumIsUnsignedAndVerifies(t *testing.T) {
	key := testKey()
	if Checksum(1, "PAIR_REQ", "", 1, nil) != "" {
		t.Error("checksum with nil key should be empty")
	}
	if !VerifyChecksum(1, "ACK", "123", 1, "", key) {
		t.Error("empty checksum should verify as unsigned")
	}
}

func TestValidateKey(t *testing.T) {
	if err := ValidateKey(testKey()); err != nil {
		t.Errorf("32-byte key should validate, got %v", err)
	}
	if err := ValidateKey(make([]byte, 16)); err == nil {
		t.Error("16-byte key should fail validation")
	}
}
