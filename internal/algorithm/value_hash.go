package algorithm

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// ValueHash returns the cell key of a normalized property value
func ValueHash(value any) ([]byte, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value for hashing: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return sum[:], nil
}
