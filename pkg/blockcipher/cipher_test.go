package blockcipher

import (
	"bytes"
	"testing"

	"github.com/Anteru/kyla/pkg/kylaerr"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := NewBlob()
	if err != nil {
		t.Fatalf("NewBlob: %v", err)
	}

	plaintext := []byte("the rain in spain falls mainly on the plain")
	ciphertext, err := Encrypt("pw", blob, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt("pw", blob, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEncryptPadsToBlockBoundary(t *testing.T) {
	blob, _ := NewBlob()
	for _, n := range []int{0, 1, 15, 16, 17, 1000} {
		plaintext := bytes.Repeat([]byte{'a'}, n)
		ciphertext, err := Encrypt("pw", blob, plaintext)
		if err != nil {
			t.Fatalf("Encrypt(len=%d): %v", n, err)
		}
		if len(ciphertext)%blockSize != 0 {
			t.Fatalf("ciphertext length %d not a multiple of block size", len(ciphertext))
		}
		got, err := Decrypt("pw", blob, ciphertext)
		if err != nil {
			t.Fatalf("Decrypt(len=%d): %v", n, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch for len=%d", n)
		}
	}
}

func TestDecryptWithoutPassphraseFailsAuthRequired(t *testing.T) {
	blob, _ := NewBlob()
	ciphertext, _ := Encrypt("pw", blob, []byte("secret"))

	_, err := Decrypt("", blob, ciphertext)
	if !kylaerr.OfKind(err, kylaerr.AuthRequired) {
		t.Fatalf("expected AuthRequired, got %v", err)
	}
}

func TestDecryptWithWrongPassphraseFailsStorageCorrupted(t *testing.T) {
	blob, _ := NewBlob()
	ciphertext, _ := Encrypt("pw", blob, []byte("this is a reasonably long secret message"))

	_, err := Decrypt("wrong", blob, ciphertext)
	if err == nil {
		t.Fatalf("expected an error when decrypting with the wrong passphrase")
	}
	// A wrong key usually (not always) produces invalid PKCS#5 padding,
	// which we classify as StorageCorrupted.
	if !kylaerr.OfKind(err, kylaerr.StorageCorrupted) {
		t.Fatalf("expected StorageCorrupted, got %v", err)
	}
}

func TestBlobFromPartsRoundTrip(t *testing.T) {
	blob, _ := NewBlob()
	var salt [SaltSize]byte
	var iv [IVSize]byte
	copy(salt[:], blob.salt())
	copy(iv[:], blob.iv())

	rebuilt := BlobFromParts(salt, iv)
	if rebuilt != blob {
		t.Fatalf("BlobFromParts did not reproduce the original blob")
	}
}

func TestDifferentChunksGetDifferentBlobs(t *testing.T) {
	a, _ := NewBlob()
	b, _ := NewBlob()
	if a == b {
		t.Fatalf("two independently generated blobs should not collide")
	}
}
