package settings

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("test-master-secret")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	for _, plain := range []string{"", "sk_live_abc123", "çok gizli değer", "multi\nline\nvalue"} {
		enc, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		if enc == plain && plain != "" {
			t.Fatalf("Encrypt(%q) returned plaintext", plain)
		}
		got, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plain {
			t.Fatalf("round trip = %q, want %q", got, plain)
		}
	}
}

func TestCipherNonceVariesPerEncrypt(t *testing.T) {
	c, err := NewCipher("test-master-secret")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	a, _ := c.Encrypt("same value")
	b, _ := c.Encrypt("same value")
	if a == b {
		t.Fatal("two encryptions of the same value produced identical ciphertext")
	}
}

func TestCipherRejectsGarbage(t *testing.T) {
	c, err := NewCipher("test-master-secret")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	cases := []struct {
		name  string
		input string
	}{
		{"not base64", "not-base64!!"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"random bytes", base64.StdEncoding.EncodeToString(make([]byte, 64))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Decrypt(tc.input); !errors.Is(err, ErrMalformedCiphertext) {
				t.Fatalf("Decrypt(%q) err = %v, want ErrMalformedCiphertext", tc.input, err)
			}
		})
	}
}

func TestCipherTamperedCiphertext(t *testing.T) {
	c, err := NewCipher("test-master-secret")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	enc, err := c.Encrypt("sk_live_abc123")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(enc)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := c.Decrypt(tampered); !errors.Is(err, ErrMalformedCiphertext) {
		t.Fatalf("Decrypt(tampered) err = %v, want ErrMalformedCiphertext", err)
	}
}

func TestCipherKeyMismatch(t *testing.T) {
	a, _ := NewCipher("secret-a")
	b, _ := NewCipher("secret-b")

	enc, err := a.Encrypt("value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(enc); !errors.Is(err, ErrMalformedCiphertext) {
		t.Fatalf("Decrypt with wrong key err = %v, want ErrMalformedCiphertext", err)
	}
}

func TestNewCipherEmptySecret(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Fatal("NewCipher(\"\") should fail")
	}
}
