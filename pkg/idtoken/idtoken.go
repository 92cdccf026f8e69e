// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package idtoken issues OpenID Connect ID tokens: JWTs asserting that a
// user authenticated, signed with the active key and carrying its key id in
// the header so verifiers can select the matching public key from the JWKS.
package idtoken

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keyfold/keyfold/pkg/keys"
	"github.com/keyfold/keyfold/pkg/storage"
)

// Request carries everything needed to mint one ID token.
type Request struct {
	User     *storage.User
	ClientID string
	Scopes   []string

	// AuthTime is when the end user actually authenticated, which may be
	// well before this token is minted (e.g. on a refresh).
	AuthTime time.Time

	// Nonce, when present, is echoed back verbatim so the client can bind
	// the token to its authorization request.
	Nonce string

	// AccessToken and Code, when present, produce the at_hash and c_hash
	// claims binding this ID token to its siblings.
	AccessToken string
	Code        string
}

// Issuer mints signed ID tokens.
type Issuer struct {
	keys   *keys.Manager
	issuer string
	ttl    time.Duration
}

// NewIssuer creates an ID token issuer. issuer is the external issuer URL
// embedded in the iss claim.
func NewIssuer(km *keys.Manager, issuer string, ttl time.Duration) *Issuer {
	return &Issuer{keys: km, issuer: issuer, ttl: ttl}
}

// Issue builds the claim set and signs it with the active key.
func (i *Issuer) Issue(ctx context.Context, req *Request) (string, error) {
	signingKey, err := i.keys.Active(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load signing key: %w", err)
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss":       i.issuer,
		"sub":       req.User.ID,
		"aud":       req.ClientID,
		"iat":       now.Unix(),
		"exp":       now.Add(i.ttl).Unix(),
		"auth_time": req.AuthTime.Unix(),
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if req.AccessToken != "" {
		h, err := leftHalfHash(signingKey.Algorithm, req.AccessToken)
		if err != nil {
			return "", err
		}
		claims["at_hash"] = h
	}
	if req.Code != "" {
		h, err := leftHalfHash(signingKey.Algorithm, req.Code)
		if err != nil {
			return "", err
		}
		claims["c_hash"] = h
	}
	addScopeClaims(claims, req.User, req.Scopes)

	method := jwt.GetSigningMethod(signingKey.Algorithm)
	if method == nil {
		return "", fmt.Errorf("unsupported signing algorithm: %s", signingKey.Algorithm)
	}
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = signingKey.KID

	signed, err := token.SignedString(signingKey.Signer)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}
	return signed, nil
}

// addScopeClaims copies user attributes into the claim set, filtered by the
// granted scopes.
func addScopeClaims(claims jwt.MapClaims, user *storage.User, scopes []string) {
	for _, scope := range scopes {
		switch scope {
		case "profile":
			if user.Name != "" {
				claims["name"] = user.Name
			}
			claims["preferred_username"] = user.Username
		case "email":
			if user.Email != "" {
				claims["email"] = user.Email
				claims["email_verified"] = user.EmailVerified
			}
		}
	}
}

// leftHalfHash computes the OIDC at_hash/c_hash value: hash the ASCII value
// with the algorithm's own hash function, take the left half, and
// base64url-encode it without padding.
func leftHalfHash(algorithm, value string) (string, error) {
	var sum []byte
	switch algorithm {
	case "ES256", "RS256":
		s := sha256.Sum256([]byte(value))
		sum = s[:]
	case "ES384":
		s := sha512.Sum384([]byte(value))
		sum = s[:]
	default:
		return "", fmt.Errorf("no hash defined for algorithm %s", algorithm)
	}
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
