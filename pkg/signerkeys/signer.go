package signerkeys

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Ed25519Signer implements canon.Signer over a process-held ed25519 key,
// used by the worker process to sign the chainHash of events it appends
// on a tenant's behalf (month-close). The corresponding public key is
// registered in signer_keys with PurposeRobot, matching the robot actor
// type that eventstore.AppendEvents checks the key's purpose against.
type Ed25519Signer struct {
	keyID string
	priv  ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing private key. Use
// GenerateEd25519Signer to mint a fresh keypair for first-run bootstrap.
func NewEd25519Signer(keyID string, priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{keyID: keyID, priv: priv}
}

// GenerateEd25519Signer creates a fresh keypair and returns both the
// signer and the public key to register as a signer_keys row.
func GenerateEd25519Signer(keyID string) (*Ed25519Signer, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("signerkeys.GenerateEd25519Signer: %w", err)
	}
	return &Ed25519Signer{keyID: keyID, priv: priv}, pub, nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

// Sign returns the hex-encoded ed25519 signature over chainHash.
func (s *Ed25519Signer) Sign(chainHash string) (string, error) {
	sig := ed25519.Sign(s.priv, []byte(chainHash))
	return hex.EncodeToString(sig), nil
}

// VerifySignature checks an event's signature against a registered
// public key, used by auditors/tests rather than the hot append path
// (which trusts the key-status check in eventstore.AppendEvents).
func VerifySignature(pub ed25519.PublicKey, chainHash, signatureHex string) (bool, error) {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("signerkeys.VerifySignature: %w", err)
	}
	return ed25519.Verify(pub, []byte(chainHash), sig), nil
}
