package crypto

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcutil/bech32"
)

func TestDecodeAddressRoundTrip(t *testing.T) {
	raw := make([]byte, 20)
	raw[19] = 0x42
	addr := NewAddress(InvPrefix, raw)

	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(addr) {
		t.Fatalf("round trip mismatch: %s != %s", decoded, addr)
	}
	if decoded.Prefix() != InvPrefix {
		t.Fatalf("unexpected prefix: %s", decoded.Prefix())
	}
}

func TestDecodeAddressRejectsMalformedString(t *testing.T) {
	if _, err := DecodeAddress("not-an-address"); err == nil {
		t.Fatalf("expected error for malformed string")
	}
}

func TestDecodeAddressRejectsWrongPayloadLength(t *testing.T) {
	// A well-formed bech32 string whose payload is not 20 bytes must be
	// rejected with an error, never passed through to NewAddress.
	for _, size := range []int{10, 19, 21, 32} {
		conv, err := bech32.ConvertBits(make([]byte, size), 8, 5, true)
		if err != nil {
			t.Fatalf("convert bits: %v", err)
		}
		encoded, err := bech32.Encode(string(InvPrefix), conv)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		_, err = DecodeAddress(encoded)
		if err == nil {
			t.Fatalf("expected error for %d-byte payload", size)
		}
		if !strings.Contains(err.Error(), "20 bytes") {
			t.Fatalf("unexpected error for %d-byte payload: %v", size, err)
		}
	}
}

func TestGeneratedKeyDerivesDecodableAddress(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	if addr.IsZero() {
		t.Fatalf("derived address must not be zero")
	}

	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode derived address: %v", err)
	}
	if !decoded.Equal(addr) {
		t.Fatalf("derived address did not round trip")
	}
}

func TestPrivateKeyBytesRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if !restored.PubKey().Address().Equal(key.PubKey().Address()) {
		t.Fatalf("restored key derives a different address")
	}

	if _, err := PrivateKeyFromBytes([]byte{0x01, 0x02}); err == nil {
		t.Fatalf("expected error for truncated key bytes")
	}
}
