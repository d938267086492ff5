// Package codec implements the payload-protection boundary: every value
// handed to the persistence path is encrypted into an envelope, and decrypted
// again before business logic sees it. Stage code never touches ciphertext.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
)

// AlgorithmAES256GCM is the only algorithm id currently produced.
const AlgorithmAES256GCM = "aes256-gcm"

// Envelope wraps an encrypted payload crossing the orchestration boundary.
// Ciphertext carries the GCM nonce as a prefix.
type Envelope struct {
	Algorithm  string `json:"algorithm_id"`
	KeyID      string `json:"key_id"`
	Ciphertext []byte `json:"ciphertext"`
}

// DecodeError reports an authentication or key-lookup failure during decode.
// Decode fails hard on mismatched keys or corrupted ciphertext; it never
// returns degraded data.
type DecodeError struct {
	Msg string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Msg, e.Err)
	}
	return "codec: " + e.Msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Codec encrypts and decrypts payloads under a keyring. It is stateless and
// safe for concurrent use.
type Codec struct {
	keys Keyring
}

// New builds a codec over the given key-lookup capability.
func New(keys Keyring) *Codec {
	return &Codec{keys: keys}
}

// Encode serializes payload to canonical JSON and encrypts it under the
// keyring's active key. The input is never mutated. Two encodes of the same
// payload yield different ciphertext (random nonce) but always decode back to
// the original.
func (c *Codec) Encode(payload any) (*Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	keyID := c.keys.ActiveID()
	material, ok := c.keys.Key(keyID)
	if !ok {
		return nil, fmt.Errorf("active key %q missing from keyring", keyID)
	}

	aead, err := newAEAD(material)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &Envelope{
		Algorithm:  AlgorithmAES256GCM,
		KeyID:      keyID,
		Ciphertext: aead.Seal(nonce, nonce, plaintext, nil),
	}, nil
}

// Decode authenticates and decrypts the envelope, unmarshalling the original
// payload into out. Any key mismatch, unknown key id, unknown algorithm or
// ciphertext corruption returns a DecodeError.
func (c *Codec) Decode(env *Envelope, out any) error {
	if env == nil {
		return &DecodeError{Msg: "nil envelope"}
	}
	if env.Algorithm != AlgorithmAES256GCM {
		return &DecodeError{Msg: fmt.Sprintf("unknown algorithm %q", env.Algorithm)}
	}

	material, ok := c.keys.Key(env.KeyID)
	if !ok {
		return &DecodeError{Msg: fmt.Sprintf("unknown key id %q", env.KeyID)}
	}

	aead, err := newAEAD(material)
	if err != nil {
		return &DecodeError{Msg: "failed to initialize cipher", Err: err}
	}

	if len(env.Ciphertext) < aead.NonceSize() {
		return &DecodeError{Msg: "ciphertext shorter than nonce"}
	}
	nonce, sealed := env.Ciphertext[:aead.NonceSize()], env.Ciphertext[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return &DecodeError{Msg: "authentication failed", Err: err}
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return &DecodeError{Msg: "failed to deserialize payload", Err: err}
	}
	return nil
}

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var d *DecodeError
	return errors.As(err, &d)
}

func newAEAD(material []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
