package crypto

import (
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestDeriveKeysetId(t *testing.T) {
	keys := make(map[uint64]*secp256k1.PublicKey)
	for i := 0; i < 8; i++ {
		privKey, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		keys[uint64(1<<i)] = privKey.PubKey()
	}

	id := DeriveKeysetId(keys)
	if !strings.HasPrefix(id, "00") {
		t.Errorf("expected version prefix 00, got %v", id)
	}
	if len(id) != 16 {
		t.Errorf("expected 16 character id, got %v characters", len(id))
	}

	// derivation is deterministic regardless of map iteration order
	for i := 0; i < 5; i++ {
		if again := DeriveKeysetId(keys); again != id {
			t.Fatalf("derivation not deterministic: %v vs %v", id, again)
		}
	}
}
