package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/quillcms/quill/internal/model"
	"github.com/quillcms/quill/internal/store"
	"github.com/quillcms/quill/internal/token"
)

var (
	// ErrUnauthenticated means no credential was presented or every
	// presented credential failed verification. Surfaced as 401. Store and
	// codec failures are deliberately not collapsed into it: any other
	// error from Authenticate means "credential check broke" and maps to
	// 500.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden means a valid identity lacks the required role or scope.
	// Surfaced as 403 by the authorization gates.
	ErrForbidden = errors.New("forbidden")
)

// keyPrefixLen is how many characters of the raw key are stored in the
// clear for identification and optional lookup narrowing.
const keyPrefixLen = 12

// Credentials are the authentication materials extracted from a request.
// Zero-valued fields mean the credential was not presented.
type Credentials struct {
	RefreshToken string // from the refreshToken cookie
	AccessToken  string // from the Authorization: Bearer header
	APIKey       string // from the X-API-Key header
}

// AuthService resolves request credentials into a Principal and owns the
// login, registration, and API key issuance flows.
type AuthService struct {
	store  *store.Store
	codec  *token.Codec
	logger *slog.Logger

	// prefixLookup narrows the API key candidate scan by the cleartext key
	// prefix before the per-candidate bcrypt comparison. Opt-in: it trades
	// a little key-enumeration resistance for much cheaper lookups on
	// installations with many keys.
	prefixLookup bool
}

// NewAuthService creates an AuthService.
func NewAuthService(st *store.Store, codec *token.Codec, logger *slog.Logger) *AuthService {
	return &AuthService{
		store:  st,
		codec:  codec,
		logger: logger,
	}
}

// EnablePrefixLookup switches the API key scan to prefix-narrowed candidate
// sets. See the prefixLookup field comment for the trade-off.
func (s *AuthService) EnablePrefixLookup() {
	s.prefixLookup = true
}

// Authenticate resolves a request's credentials into a Principal. The
// resolution order is strict and short-circuiting: refresh-token cookie,
// then bearer access token, then API key. Token-authenticated sessions are
// granted the full scope set unconditionally; API key sessions carry
// exactly the scopes granted to the matched key.
func (s *AuthService) Authenticate(ctx context.Context, creds Credentials) (*Principal, error) {
	if creds.RefreshToken != "" {
		claims, err := s.codec.VerifyRefresh(ctx, creds.RefreshToken)
		if err == nil {
			return s.tokenPrincipal(ctx, claims.UserID)
		}
		// Invalid cookie falls through to the remaining credential paths.
	}

	if creds.AccessToken != "" {
		claims, err := s.codec.VerifyAccess(ctx, creds.AccessToken)
		if err != nil {
			if errors.Is(err, token.ErrInvalidToken) {
				return nil, ErrUnauthenticated
			}
			return nil, fmt.Errorf("verify access token: %w", err)
		}
		return s.tokenPrincipal(ctx, claims.UserID)
	}

	if creds.APIKey != "" {
		return s.apiKeyPrincipal(ctx, creds.APIKey)
	}

	return nil, ErrUnauthenticated
}

// tokenPrincipal builds a Principal for a token-verified user id. Token
// sessions always receive the full scope set regardless of role; scope
// gates only bite for API key sessions.
func (s *AuthService) tokenPrincipal(ctx context.Context, userID int64) (*Principal, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("look up token user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrUnauthenticated
	}

	return &Principal{
		ID:         user.ID,
		Email:      user.Email,
		Role:       user.Role,
		Scopes:     model.AllScopes(),
		AuthMethod: MethodToken,
	}, nil
}

// apiKeyPrincipal locates the key whose stored hash matches the supplied
// plaintext. Keys are salted bcrypt hashes, so equality cannot be resolved
// by direct lookup: candidates are scanned with a hash comparison each
// until a match is found or candidates are exhausted.
func (s *AuthService) apiKeyPrincipal(ctx context.Context, rawKey string) (*Principal, error) {
	var (
		candidates []model.APIKey
		err        error
	)
	if s.prefixLookup && len(rawKey) >= keyPrefixLen {
		candidates, err = s.store.ListActiveAPIKeysByPrefix(ctx, rawKey[:keyPrefixLen])
	} else {
		candidates, err = s.store.ListActiveAPIKeys(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("list api key candidates: %w", err)
	}

	var matched *model.APIKey
	for i := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidates[i].KeyHash), []byte(rawKey)) == nil {
			matched = &candidates[i]
			break
		}
	}
	if matched == nil {
		return nil, ErrUnauthenticated
	}

	user, err := s.store.GetUser(ctx, matched.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("look up key owner: %w", err)
	}
	if !user.IsActive {
		return nil, ErrUnauthenticated
	}

	// Touch last_used_at without blocking the request.
	keyID := matched.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.UpdateAPIKeyLastUsed(ctx, keyID); err != nil {
			s.logger.Warn("failed to touch api key last_used_at", "key_id", keyID, "error", err)
		}
	}()

	return &Principal{
		ID:         user.ID,
		Email:      user.Email,
		Role:       user.Role,
		Scopes:     matched.Scopes,
		AuthMethod: MethodAPIKey,
	}, nil
}

// ---------------------------------------------------------------------------
// Login / registration
// ---------------------------------------------------------------------------

// Login verifies an email/password pair and returns the user with a fresh
// access/refresh token pair. Unknown email, wrong password, and disabled
// account all return ErrUnauthenticated so the response cannot be used to
// enumerate accounts.
func (s *AuthService) Login(ctx context.Context, email, password string) (*model.User, string, string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", "", ErrUnauthenticated
		}
		return nil, "", "", fmt.Errorf("look up login user: %w", err)
	}
	if !user.IsActive {
		return nil, "", "", ErrUnauthenticated
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", "", ErrUnauthenticated
	}

	access, err := s.codec.SignAccess(ctx, user.ID)
	if err != nil {
		return nil, "", "", fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.codec.SignRefresh(ctx, user.ID)
	if err != nil {
		return nil, "", "", fmt.Errorf("issue refresh token: %w", err)
	}

	if err := s.store.UpdateUserLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("failed to update last login", "user_id", user.ID, "error", err)
	}

	return user, access, refresh, nil
}

// Refresh exchanges a valid refresh token for a new access token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*model.User, string, error) {
	claims, err := s.codec.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil, "", ErrUnauthenticated
	}

	user, err := s.store.GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrUnauthenticated
		}
		return nil, "", fmt.Errorf("look up refresh user: %w", err)
	}
	if !user.IsActive {
		return nil, "", ErrUnauthenticated
	}

	access, err := s.codec.SignAccess(ctx, user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("issue access token: %w", err)
	}
	return user, access, nil
}

// Register creates a new user account with the default user role.
func (s *AuthService) Register(ctx context.Context, email, password, name string) (*model.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &model.User{
		Email:        email,
		PasswordHash: string(hash),
		Name:         name,
		Role:         model.RoleUser,
		IsActive:     true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// ---------------------------------------------------------------------------
// API key issuance
// ---------------------------------------------------------------------------

// CreateAPIKey mints a new API key for a user with exactly the given
// scopes. The raw key is returned once, at creation; only its bcrypt hash
// is stored.
func (s *AuthService) CreateAPIKey(ctx context.Context, userID int64, name string, scopes []model.Scope) (*model.APIKey, string, error) {
	rawKey, err := generateAPIKey()
	if err != nil {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}

	key := &model.APIKey{
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:keyPrefixLen],
		Scopes:    scopes,
		IsActive:  true,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, rawKey, nil
}

// generateAPIKey returns a new raw key: "quill_" plus 256 random bits hex
// encoded. The total length stays under bcrypt's 72-byte input limit.
func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "quill_" + hex.EncodeToString(b), nil
}
