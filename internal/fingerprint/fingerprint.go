// Package fingerprint derives cache keys from input bytes, the resolved
// compressor options and the versions of the tools that produce outputs.
//
// Options are serialized with CBOR Core Deterministic Encoding
// (RFC 8949 §4.2), so map key order never changes a key. Embedding the
// versions means an upgrade of either tool misses every older entry.
package fingerprint

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Prefix is prepended to every key.
const Prefix = "blake3:"

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("fingerprint: CBOR encoder initialization failed: " + err.Error())
	}
}

// material is everything that goes into a key.
type material struct {
	Hash    string         `cbor:"hash"`
	Options map[string]any `cbor:"options"`
	Backend string         `cbor:"backend"`
	Tool    string         `cbor:"tool"`
}

// ContentHash returns the hex blake3-256 digest of data.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key returns the cache key for data compressed with options by the given
// backend and tool versions. A nil options map keys the same as an empty one.
// It fails only when options hold a value CBOR cannot represent.
func Key(data []byte, options map[string]any, backendVersion, toolVersion string) (string, error) {
	if options == nil {
		options = map[string]any{}
	}

	encoded, err := encMode.Marshal(material{
		Hash:    ContentHash(data),
		Options: options,
		Backend: backendVersion,
		Tool:    toolVersion,
	})
	if err != nil {
		return "", fmt.Errorf("encode fingerprint: %w", err)
	}

	sum := blake3.Sum256(encoded)
	return Prefix + hex.EncodeToString(sum[:]), nil
}
