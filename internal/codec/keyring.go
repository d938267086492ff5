package codec

import (
	"encoding/base64"
	"fmt"
)

// Keyring supplies key material by id. Implementations must be safe for
// concurrent reads: many runs encode and decode at once, and keys are only
// rotated by an external key-management process, never by pipeline code.
type Keyring interface {
	// ActiveID returns the key id every new envelope is encrypted under.
	ActiveID() string

	// Key returns the material for a key id. Old ids stay resolvable after
	// rotation so existing envelopes remain decodable.
	Key(id string) ([]byte, bool)
}

// StaticKeyring holds a fixed key set. It is immutable after construction.
type StaticKeyring struct {
	active string
	keys   map[string][]byte
}

// NewStaticKeyring validates and builds a keyring. Keys are base64-encoded
// 32-byte AES-256 material; the active id must be present in the set.
func NewStaticKeyring(activeID string, encoded map[string]string) (*StaticKeyring, error) {
	if activeID == "" {
		return nil, fmt.Errorf("active key id not configured")
	}

	keys := make(map[string][]byte, len(encoded))
	for id, enc := range encoded {
		material, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("key %q is not valid base64: %w", id, err)
		}
		if len(material) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes, got %d", id, len(material))
		}
		keys[id] = material
	}

	if _, ok := keys[activeID]; !ok {
		return nil, fmt.Errorf("active key id %q not present in key set", activeID)
	}

	return &StaticKeyring{active: activeID, keys: keys}, nil
}

// ActiveID implements Keyring.
func (k *StaticKeyring) ActiveID() string { return k.active }

// Key implements Keyring.
func (k *StaticKeyring) Key(id string) ([]byte, bool) {
	material, ok := k.keys[id]
	return material, ok
}
