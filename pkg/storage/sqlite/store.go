// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/keyfold/keyfold/pkg/storage"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests and migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Times are stored as fixed-width RFC 3339 UTC text so rows stay
// human-readable and comparisons (expires_at < ?) work lexicographically.
// RFC3339Nano is unsuitable here: it strips trailing zeros, which breaks
// text ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func encodeStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", fmt.Errorf("encoding string list: %w", err)
	}
	return string(b), nil
}

func decodeStrings(s string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decoding string list: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// -----------------------
// Clients
// -----------------------

// CreateClient inserts a client registration.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	uris, err := encodeStrings(client.RedirectURIs)
	if err != nil {
		return err
	}
	scopes, err := encodeStrings(client.AllowedScopes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (id, secret_hash, redirect_uris, allowed_scopes, is_confidential, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		client.ID, client.SecretHash, uris, scopes,
		client.IsConfidential, client.IsActive, fmtTime(client.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

// GetClient returns the client or storage.ErrNotFound.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, secret_hash, redirect_uris, allowed_scopes, is_confidential, is_active, created_at
		FROM clients WHERE id = ?`, clientID)

	var c storage.Client
	var uris, scopes, createdAt string
	err := row.Scan(&c.ID, &c.SecretHash, &uris, &scopes, &c.IsConfidential, &c.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning client: %w", err)
	}

	if c.RedirectURIs, err = decodeStrings(uris); err != nil {
		return nil, err
	}
	if c.AllowedScopes, err = decodeStrings(scopes); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// -----------------------
// Users
// -----------------------

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, email, email_verified, name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, user.Email,
		user.EmailVerified, user.Name, fmtTime(user.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (*storage.User, error) {
	var u storage.User
	var updatedAt string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.EmailVerified, &u.Name, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns the user by id or storage.ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, email, email_verified, name, updated_at
		FROM users WHERE id = ?`, userID))
}

// GetUserByUsername returns the user by username or storage.ErrNotFound.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, email, email_verified, name, updated_at
		FROM users WHERE username = ?`, username))
}

// -----------------------
// Authorization codes
// -----------------------

// CreateAuthorizationCode inserts a pending code.
func (s *Store) CreateAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (
			code_hash, client_id, user_id, redirect_uri, scope,
			code_challenge, code_challenge_method, nonce,
			auth_time, expires_at, used_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		code.CodeHash, code.ClientID, code.UserID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, code.Nonce,
		fmtTime(code.AuthTime), fmtTime(code.ExpiresAt), fmtTime(code.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode atomically marks the code used and returns it.
// The guarded UPDATE is the single-use enforcement point: under any number of
// concurrent exchanges exactly one caller sees one affected row.
func (s *Store) ConsumeAuthorizationCode(
	ctx context.Context, codeHash string, now time.Time,
) (*storage.AuthorizationCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE authorization_codes SET used_at = ?
		WHERE code_hash = ? AND used_at IS NULL AND expires_at > ?`,
		fmtTime(now), codeHash, fmtTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting affected rows: %w", err)
	}
	if affected != 1 {
		return nil, storage.ErrNotFound
	}

	row := tx.QueryRowContext(ctx, `
		SELECT code_hash, client_id, user_id, redirect_uri, scope,
		       code_challenge, code_challenge_method, nonce,
		       auth_time, expires_at, used_at, created_at
		FROM authorization_codes WHERE code_hash = ?`, codeHash)

	var c storage.AuthorizationCode
	var authTime, expiresAt, createdAt string
	var usedAt sql.NullString
	err = row.Scan(&c.CodeHash, &c.ClientID, &c.UserID, &c.RedirectURI, &c.Scope,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.Nonce,
		&authTime, &expiresAt, &usedAt, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scanning authorization code: %w", err)
	}
	if c.AuthTime, err = parseTime(authTime); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UsedAt, err = parseNullTime(usedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return &c, nil
}

// DeleteExpiredAuthorizationCodes discards codes past expiry.
func (s *Store) DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE expires_at <= ?`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired authorization codes: %w", err)
	}
	return res.RowsAffected()
}

// -----------------------
// Access tokens
// -----------------------

// CreateAccessToken inserts an access token row (hash only).
func (s *Store) CreateAccessToken(ctx context.Context, token *storage.AccessToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_tokens (token_hash, client_id, user_id, scope, refresh_token_hash, expires_at, revoked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
		token.TokenHash, token.ClientID, token.UserID, token.Scope,
		token.RefreshTokenHash, fmtTime(token.ExpiresAt), fmtTime(token.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting access token: %w", err)
	}
	return nil
}

// GetAccessToken returns the access token row or storage.ErrNotFound.
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_hash, client_id, user_id, scope, refresh_token_hash, expires_at, revoked_at, created_at
		FROM access_tokens WHERE token_hash = ?`, tokenHash)

	var t storage.AccessToken
	var expiresAt, createdAt string
	var revokedAt sql.NullString
	err := row.Scan(&t.TokenHash, &t.ClientID, &t.UserID, &t.Scope,
		&t.RefreshTokenHash, &expiresAt, &revokedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning access token: %w", err)
	}
	if t.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// RevokeAccessToken marks the token revoked. Idempotent: revoking an unknown
// or already-revoked token is not an error.
func (s *Store) RevokeAccessToken(ctx context.Context, tokenHash string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE access_tokens SET revoked_at = ?
		WHERE token_hash = ? AND revoked_at IS NULL`,
		fmtTime(now), tokenHash,
	)
	if err != nil {
		return fmt.Errorf("revoking access token: %w", err)
	}
	return nil
}

// RevokeAccessTokensByRefreshHash revokes the access tokens paired with the
// given refresh token.
func (s *Store) RevokeAccessTokensByRefreshHash(ctx context.Context, refreshHash string, now time.Time) error {
	if refreshHash == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE access_tokens SET revoked_at = ?
		WHERE refresh_token_hash = ? AND revoked_at IS NULL`,
		fmtTime(now), refreshHash,
	)
	if err != nil {
		return fmt.Errorf("revoking access tokens for refresh token: %w", err)
	}
	return nil
}

// -----------------------
// Refresh tokens
// -----------------------

// CreateRefreshToken inserts a refresh token row (hash only).
func (s *Store) CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (
			token_hash, client_id, user_id, scope, token_status, rotation_count,
			parent_token_hash, rotation_grace_expires_at, expires_at, revoked_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		token.TokenHash, token.ClientID, token.UserID, token.Scope,
		string(token.Status), token.RotationCount, token.ParentTokenHash,
		fmtNullTime(token.RotationGraceExpiresAt), fmtTime(token.ExpiresAt), fmtTime(token.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns the refresh token row or storage.ErrNotFound.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_hash, client_id, user_id, scope, token_status, rotation_count,
		       parent_token_hash, rotation_grace_expires_at, expires_at, revoked_at, created_at
		FROM refresh_tokens WHERE token_hash = ?`, tokenHash)

	var t storage.RefreshToken
	var status, expiresAt, createdAt string
	var graceExpiresAt, revokedAt sql.NullString
	err := row.Scan(&t.TokenHash, &t.ClientID, &t.UserID, &t.Scope, &status, &t.RotationCount,
		&t.ParentTokenHash, &graceExpiresAt, &expiresAt, &revokedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning refresh token: %w", err)
	}
	t.Status = storage.RefreshTokenStatus(status)
	if t.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.RotationGraceExpiresAt, err = parseNullTime(graceExpiresAt); err != nil {
		return nil, err
	}
	if t.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkRefreshTokenRotating transitions active → rotating with a grace
// deadline. The status predicate makes the transition race-safe: only one
// concurrent rotation can claim the token.
func (s *Store) MarkRefreshTokenRotating(ctx context.Context, tokenHash string, graceDeadline time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET token_status = 'rotating', rotation_grace_expires_at = ?
		WHERE token_hash = ? AND token_status = 'active'`,
		fmtTime(graceDeadline), tokenHash,
	)
	if err != nil {
		return fmt.Errorf("marking refresh token rotating: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows: %w", err)
	}
	if affected != 1 {
		return storage.ErrNotFound
	}
	return nil
}

// RevokeRefreshToken marks the token revoked. Idempotent and terminal.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET token_status = 'revoked', revoked_at = ?
		WHERE token_hash = ? AND token_status != 'revoked'`,
		fmtTime(now), tokenHash,
	)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return nil
}

// SweepRotatedTokens converts rotating tokens whose grace window has elapsed
// into revoked ones.
func (s *Store) SweepRotatedTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET token_status = 'revoked', revoked_at = ?
		WHERE token_status = 'rotating' AND rotation_grace_expires_at < ?`,
		fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping rotated tokens: %w", err)
	}
	return res.RowsAffected()
}

// -----------------------
// OAuth sessions
// -----------------------

// UpsertOAuthSession stores the union of previously and newly granted scopes
// for the (user, client) pair.
func (s *Store) UpsertOAuthSession(
	ctx context.Context, userID, clientID string, scopes []string, now time.Time,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT granted_scopes FROM oauth_sessions WHERE user_id = ? AND client_id = ?`,
		userID, clientID,
	).Scan(&existing)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		encoded, encErr := encodeStrings(scopes)
		if encErr != nil {
			return encErr
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO oauth_sessions (user_id, client_id, granted_scopes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			userID, clientID, encoded, fmtTime(now), fmtTime(now),
		)
		if err != nil {
			return fmt.Errorf("inserting oauth session: %w", err)
		}

	case err != nil:
		return fmt.Errorf("reading oauth session: %w", err)

	default:
		prior, decErr := decodeStrings(existing)
		if decErr != nil {
			return decErr
		}
		union := unionScopes(prior, scopes)
		encoded, encErr := encodeStrings(union)
		if encErr != nil {
			return encErr
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE oauth_sessions SET granted_scopes = ?, updated_at = ?
			WHERE user_id = ? AND client_id = ?`,
			encoded, fmtTime(now), userID, clientID,
		)
		if err != nil {
			return fmt.Errorf("updating oauth session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func unionScopes(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// GetOAuthSession returns the consent record or storage.ErrNotFound.
func (s *Store) GetOAuthSession(ctx context.Context, userID, clientID string) (*storage.OAuthSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, client_id, granted_scopes, created_at, updated_at
		FROM oauth_sessions WHERE user_id = ? AND client_id = ?`, userID, clientID)

	var sess storage.OAuthSession
	var scopes, createdAt, updatedAt string
	err := row.Scan(&sess.UserID, &sess.ClientID, &scopes, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning oauth session: %w", err)
	}
	if sess.GrantedScopes, err = decodeStrings(scopes); err != nil {
		return nil, err
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// -----------------------
// Signing keys
// -----------------------

// CreateSigningKey inserts the key and makes it the single active key in the
// same transaction. Previously active keys get rotated_at stamped.
func (s *Store) CreateSigningKey(ctx context.Context, key *storage.SigningKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		UPDATE signing_keys SET is_active = 0, rotated_at = ? WHERE is_active = 1`,
		fmtTime(key.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("retiring active signing keys: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO signing_keys (kid, private_key_enc, public_key_pem, algorithm, is_active, expires_at, rotated_at, created_at)
		VALUES (?, ?, ?, ?, 1, ?, NULL, ?)`,
		key.KID, key.PrivateKeyEnc, key.PublicKeyPEM, key.Algorithm,
		fmtTime(key.ExpiresAt), fmtTime(key.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting signing key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const signingKeyColumns = `kid, private_key_enc, public_key_pem, algorithm, is_active, expires_at, rotated_at, created_at`

func scanSigningKey(scanner interface{ Scan(...any) error }) (*storage.SigningKey, error) {
	var k storage.SigningKey
	var expiresAt, createdAt string
	var rotatedAt sql.NullString
	err := scanner.Scan(&k.KID, &k.PrivateKeyEnc, &k.PublicKeyPEM, &k.Algorithm,
		&k.IsActive, &expiresAt, &rotatedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning signing key: %w", err)
	}
	if k.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if k.RotatedAt, err = parseNullTime(rotatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

// GetActiveSigningKey returns the current signing key or storage.ErrNotFound.
func (s *Store) GetActiveSigningKey(ctx context.Context, now time.Time) (*storage.SigningKey, error) {
	return scanSigningKey(s.db.QueryRowContext(ctx, `
		SELECT `+signingKeyColumns+`
		FROM signing_keys WHERE is_active = 1 AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`, fmtTime(now)))
}

// ListVerificationKeys returns every unexpired key, newest first. Retired
// keys stay here until their grace window elapses so tokens signed just
// before a rotation remain verifiable.
func (s *Store) ListVerificationKeys(ctx context.Context, now time.Time) ([]*storage.SigningKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+signingKeyColumns+`
		FROM signing_keys WHERE expires_at > ?
		ORDER BY created_at DESC`, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying verification keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*storage.SigningKey
	for rows.Next() {
		k, scanErr := scanSigningKey(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating signing key rows: %w", err)
	}
	return keys, nil
}

// DeleteExpiredSigningKeys removes keys past their verification window.
func (s *Store) DeleteExpiredSigningKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM signing_keys WHERE is_active = 0 AND expires_at <= ?`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired signing keys: %w", err)
	}
	return res.RowsAffected()
}

// -----------------------
// Nonces
// -----------------------

// CreateNonce inserts a nonce hash. Duplicate nonces are rejected.
func (s *Store) CreateNonce(ctx context.Context, nonce *storage.Nonce) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nonces (nonce_hash, client_id, user_id, expires_at, used_at, created_at)
		VALUES (?, ?, ?, ?, NULL, ?)`,
		nonce.NonceHash, nonce.ClientID, nonce.UserID,
		fmtTime(nonce.ExpiresAt), fmtTime(nonce.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("nonce already stored: %w", storage.ErrConflict)
		}
		return fmt.Errorf("inserting nonce: %w", err)
	}
	return nil
}

// ConsumeNonce succeeds exactly once per stored nonce, before its TTL.
func (s *Store) ConsumeNonce(ctx context.Context, nonceHash, clientID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nonces SET used_at = ?
		WHERE nonce_hash = ? AND client_id = ? AND used_at IS NULL AND expires_at > ?`,
		fmtTime(now), nonceHash, clientID, fmtTime(now),
	)
	if err != nil {
		return fmt.Errorf("consuming nonce: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting affected rows: %w", err)
	}
	if affected != 1 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpiredNonces removes nonces past their TTL.
func (s *Store) DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM nonces WHERE expires_at <= ?`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired nonces: %w", err)
	}
	return res.RowsAffected()
}
