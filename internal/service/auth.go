// Package service contains application services: authentication, device
// registration and the sync reconciler.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/cardvault/internal/crypto"
	"github.com/and161185/cardvault/internal/errs"
	"github.com/and161185/cardvault/internal/limiter"
	"github.com/and161185/cardvault/internal/model"
	"github.com/and161185/cardvault/internal/repository"
)

// AuthService defines authentication operations.
type AuthService interface {
	// Register creates a new user with secure password hashing and an empty
	// collection attributed to it.
	Register(ctx context.Context, username, password string) (userID string, err error)
	// LoginWithIP applies rate-limiting and authenticates the user.
	LoginWithIP(ctx context.Context, username, password, ip string) (model.Tokens, model.User, error)
	// DeleteAccount removes the user and all attached state.
	DeleteAccount(ctx context.Context, userID uuid.UUID) error
}

type AuthServiceImpl struct {
	users       repository.UserRepository
	collections repository.CollectionRepository
	signKey     []byte
	accessTTL   time.Duration
	lim         limiter.Limiter
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, collections repository.CollectionRepository, signKey []byte, accessTTL time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	return &AuthServiceImpl{users: users, collections: collections, signKey: signKey, accessTTL: accessTTL, lim: lim}
}

// Register creates the user record with a per-user salt, plus the empty
// collection row every sync will reconcile against.
func (s *AuthServiceImpl) Register(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", errors.New("empty username/password")
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	saltAuth, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return "", err
	}
	u := &model.User{
		ID:       uid,
		Username: username,
		PwdHash:  pkgcrypto.HashPassword([]byte(password), saltAuth),
		SaltAuth: saltAuth,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return "", err
	}
	if err := s.collections.Create(ctx, uid); err != nil {
		return "", err
	}
	return uid.String(), nil
}

// LoginWithIP authenticates with rate limiting by (username, ip).
func (s *AuthServiceImpl) LoginWithIP(ctx context.Context, username, password, ip string) (model.Tokens, model.User, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, username, ipHash)
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	if !allowed {
		return model.Tokens{}, model.User{}, errs.ErrRateLimited
	}

	u, err := s.users.GetByUsername(ctx, username)
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), u.SaltAuth, u.PwdHash) {
		if blocked, _, ferr := s.lim.Failure(ctx, username, ipHash); ferr == nil && blocked {
			return model.Tokens{}, model.User{}, errs.ErrRateLimited
		}
		// hide user existence on wrong password, and mask lookup errors
		return model.Tokens{}, model.User{}, errs.ErrUnauthorized
	}

	// Success: reset counters (best-effort).
	_ = s.lim.Success(ctx, username, ipHash)

	access, exp, err := s.issueAccessToken(u.ID)
	if err != nil {
		return model.Tokens{}, model.User{}, err
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, *u, nil
}

// DeleteAccount removes the user row; dependent rows cascade in storage.
func (s *AuthServiceImpl) DeleteAccount(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return errors.New("validation: empty userID")
	}
	return s.users.Delete(ctx, userID)
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (s *AuthServiceImpl) issueAccessToken(userID uuid.UUID) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}
