// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const opaqueBytes = 32

// Hasher produces keyed hashes of bearer values for storage. A plain hash
// would let anyone with a database dump forge lookups; the server-side
// pepper keeps stored hashes useless without it.
type Hasher struct {
	pepper []byte
}

// NewHasher creates a hasher keyed with the configured pepper.
func NewHasher(pepper string) *Hasher {
	return &Hasher{pepper: []byte(pepper)}
}

// Hash computes the storage hash of a bearer value: hex(HMAC-SHA256(pepper, value)).
func (h *Hasher) Hash(value string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// generateOpaque returns a URL-safe random bearer value.
func generateOpaque() (string, error) {
	buf := make([]byte, opaqueBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
