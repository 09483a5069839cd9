package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// ComputeID returns the lowercase hex SHA-256 of the event's canonical
// serialization. The result is independent of the ID and Sig fields, so it
// can both mint fresh ids and check supplied ones.
func ComputeID(e *Event) (string, error) {
	canonical, err := Serialize(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CheckID recomputes the id from the event's fields and compares it to the
// supplied one. A mismatch means any field was altered after hashing.
func CheckID(e *Event) error {
	want, err := ComputeID(e)
	if err != nil {
		return err
	}
	if e.ID != want {
		return fmt.Errorf("id mismatch: got %s, computed %s", e.ID, want)
	}
	return nil
}

// VerifySignature checks Sig as a BIP-340 Schnorr signature over the event
// id by PubKey. Callers must run CheckID first; verifying a signature over
// an id the fields don't hash to proves nothing.
func VerifySignature(e *Event) error {
	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("decode sig: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parse sig: %w", err)
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("decode id: %w", err)
	}

	if !sig.Verify(idBytes, pub) {
		return fmt.Errorf("signature does not verify against id and pubkey")
	}
	return nil
}

// Sign fills in PubKey, ID, and Sig from the private key and the remaining
// fields. Used by tests and by the relay's own AUTH challenge events.
func Sign(e *Event, priv *btcec.PrivateKey) error {
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))

	id, err := ComputeID(e)
	if err != nil {
		return err
	}
	e.ID = id

	idBytes, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Difficulty counts leading zero bits of the event id, the proof-of-work
// measure. Returns 0 for ids that do not decode as hex.
func Difficulty(id string) int {
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return 0
	}
	zeros := 0
	for _, b := range idBytes {
		if b == 0 {
			zeros += 8
			continue
		}
		zeros += bits.LeadingZeros8(b)
		break
	}
	return zeros
}
