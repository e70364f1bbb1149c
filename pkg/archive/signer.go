package archive

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrBadSignature is returned when a report does not match its signature.
var ErrBadSignature = errors.New("invalid report signature")

// Signature is an ed25519 signature over a report without its signature.
type Signature struct {
	Alg   string `json:"alg"`
	KeyID string `json:"key_id"`
	Sig   string `json:"sig"`
}

// Signer signs archived reports so edits after the fact are detectable.
type Signer struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	KeyID      string
}

// LoadOrCreateSigner reads keyDir/keyID.key, generating and saving a new
// key when the file does not exist.
func LoadOrCreateSigner(keyDir, keyID string) (*Signer, error) {
	if keyID == "" {
		return nil, errors.New("key id required")
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, err
	}
	keyPath := filepath.Join(keyDir, keyID+".key")

	var priv ed25519.PrivateKey
	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid private key size in %s", keyPath)
		}
		priv = ed25519.PrivateKey(data)
	case errors.Is(err, os.ErrNotExist):
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(keyPath, priv, 0o600); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return &Signer{
		PrivateKey: priv,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		KeyID:      keyID,
	}, nil
}

// Sign attaches a signature to r.
func (s *Signer) Sign(r *Report) error {
	data, err := signedPayload(r)
	if err != nil {
		return err
	}
	r.Signature = &Signature{
		Alg:   "ed25519",
		KeyID: s.KeyID,
		Sig:   base64.StdEncoding.EncodeToString(ed25519.Sign(s.PrivateKey, data)),
	}
	return nil
}

// Verify checks r's signature against this signer's public key.
func (s *Signer) Verify(r Report) error {
	if r.Signature == nil {
		return fmt.Errorf("%w: report is unsigned", ErrBadSignature)
	}
	if r.Signature.Alg != "ed25519" || r.Signature.KeyID != s.KeyID {
		return fmt.Errorf("%w: signed by %s/%s", ErrBadSignature, r.Signature.Alg, r.Signature.KeyID)
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	data, err := signedPayload(&r)
	if err != nil {
		return err
	}
	if !ed25519.Verify(s.PublicKey, data, sig) {
		return ErrBadSignature
	}
	return nil
}

func signedPayload(r *Report) ([]byte, error) {
	if r == nil {
		return nil, errors.New("report required")
	}
	unsigned := *r
	unsigned.Signature = nil
	return json.Marshal(&unsigned)
}
