// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCE challenge methods per RFC 7636.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// verifyPKCE checks a presented code_verifier against the challenge stored
// on the authorization code. S256 hashes the verifier with
// base64url-no-padding(SHA-256(verifier)); plain compares literally. The
// comparison is constant-time in both cases.
func verifyPKCE(challenge, method, verifier string) bool {
	var computed string
	switch method {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
