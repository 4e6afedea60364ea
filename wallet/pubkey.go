package wallet

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/nutjar/nutjar/apperr"
)

// NormalizePubkey canonicalizes the accepted public key encodings into
// a 66-character compressed SEC1 hex key:
//
//   - nostr npub: bech32-decoded, "02" prepended to the x-only value
//   - 64 hex chars: treated as x-only, "02" prepended
//   - 66 hex chars: accepted as-is
//
// The curve point is not validated here; the mint rejects invalid
// points downstream.
func NormalizePubkey(input string) (string, error) {
	switch {
	case strings.HasPrefix(input, "npub"):
		hrp, data, err := bech32.Decode(input)
		if err != nil {
			return "", apperr.ValidationError("invalid npub key")
		}
		if hrp != "npub" {
			return "", apperr.ValidationError("invalid npub key")
		}
		decoded, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil || len(decoded) != 32 {
			return "", apperr.ValidationError("invalid npub key")
		}
		return "02" + hex.EncodeToString(decoded), nil

	case len(input) == 64:
		if _, err := hex.DecodeString(input); err != nil {
			return "", apperr.ValidationError("invalid public key")
		}
		return "02" + input, nil

	case len(input) == 66:
		if _, err := hex.DecodeString(input); err != nil {
			return "", apperr.ValidationError("invalid public key")
		}
		return input, nil
	}

	return "", apperr.ValidationError("invalid public key")
}
