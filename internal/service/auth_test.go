package service

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cardvault/internal/errs"
	"github.com/and161185/cardvault/internal/model"
)

/************ fakes ************/

type fakeUserRepo struct {
	byName    map[string]*model.User
	createErr error
	deleted   []uuid.UUID
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byName: map[string]*model.User{}}
}

func (f *fakeUserRepo) Create(ctx context.Context, u *model.User) error {
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.byName[u.Username]; ok {
		return errs.ErrAlreadyExists
	}
	f.byName[u.Username] = u
	return nil
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	for _, u := range f.byName {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeUserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	u, ok := f.byName[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return u, nil
}

func (f *fakeUserRepo) Delete(ctx context.Context, id uuid.UUID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeLimiter struct {
	allowed   bool
	failures  int
	successes int
	blockNow  bool
}

func (f *fakeLimiter) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	return f.allowed, 0, nil
}

func (f *fakeLimiter) Success(ctx context.Context, username string, ipHash []byte) error {
	f.successes++
	return nil
}

func (f *fakeLimiter) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	f.failures++
	return f.blockNow, time.Minute, nil
}

/************ tests ************/

const testJWTKey = "auth-test-signing-key"

func newAuthEnv(t *testing.T, lim *fakeLimiter) (*AuthServiceImpl, *fakeUserRepo, *fakeCollectionRepo) {
	t.Helper()
	users := newFakeUserRepo()
	cols := newFakeCollectionRepo()
	svc := NewAuthService(users, cols, []byte(testJWTKey), 15*time.Minute, lim)
	return svc, users, cols
}

func TestRegister_CreatesUserAndEmptyCollection(t *testing.T) {
	svc, users, cols := newAuthEnv(t, &fakeLimiter{allowed: true})

	idStr, err := svc.Register(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	id, err := uuid.FromString(idStr)
	require.NoError(t, err)

	u := users.byName["alice"]
	require.NotNil(t, u)
	require.Equal(t, id, u.ID)
	require.NotEmpty(t, u.PwdHash)
	require.NotEmpty(t, u.SaltAuth)

	col, err := cols.Get(context.Background(), id)
	require.NoError(t, err)
	require.Zero(t, col.Version)
	require.Empty(t, col.State.Cards)
}

func TestRegister_EmptyCredentials(t *testing.T) {
	svc, _, _ := newAuthEnv(t, &fakeLimiter{allowed: true})
	_, err := svc.Register(context.Background(), "", "pw")
	require.Error(t, err)
	_, err = svc.Register(context.Background(), "bob", "")
	require.Error(t, err)
}

func TestRegister_DuplicateUsername(t *testing.T) {
	svc, _, _ := newAuthEnv(t, &fakeLimiter{allowed: true})
	_, err := svc.Register(context.Background(), "alice", "pw")
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), "alice", "pw")
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestLogin_IssuesVerifiableToken(t *testing.T) {
	lim := &fakeLimiter{allowed: true}
	svc, _, _ := newAuthEnv(t, lim)

	idStr, err := svc.Register(context.Background(), "alice", "hunter2")
	require.NoError(t, err)

	tokens, u, err := svc.LoginWithIP(context.Background(), "alice", "hunter2", "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, idStr, u.ID.String())
	require.Equal(t, 1, lim.successes)
	require.Zero(t, lim.failures)

	parsed, err := jwt.ParseWithClaims(tokens.AccessToken, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return []byte(testJWTKey), nil
	})
	require.NoError(t, err)
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	require.Equal(t, idStr, claims.Subject)
	require.WithinDuration(t, tokens.ExpiresAt, claims.ExpiresAt.Time, time.Second)
}

func TestLogin_WrongPasswordHidesUserExistence(t *testing.T) {
	lim := &fakeLimiter{allowed: true}
	svc, _, _ := newAuthEnv(t, lim)
	_, err := svc.Register(context.Background(), "alice", "hunter2")
	require.NoError(t, err)

	_, _, err = svc.LoginWithIP(context.Background(), "alice", "wrong", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, _, err = svc.LoginWithIP(context.Background(), "nobody", "whatever", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	require.Equal(t, 2, lim.failures)
}

func TestLogin_RateLimited(t *testing.T) {
	svc, _, _ := newAuthEnv(t, &fakeLimiter{allowed: false})
	_, _, err := svc.LoginWithIP(context.Background(), "alice", "pw", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrRateLimited)
}

func TestLogin_FailureTripsLockout(t *testing.T) {
	lim := &fakeLimiter{allowed: true, blockNow: true}
	svc, _, _ := newAuthEnv(t, lim)
	_, err := svc.Register(context.Background(), "alice", "hunter2")
	require.NoError(t, err)

	_, _, err = svc.LoginWithIP(context.Background(), "alice", "wrong", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrRateLimited)
}

func TestDeleteAccount(t *testing.T) {
	svc, users, _ := newAuthEnv(t, &fakeLimiter{allowed: true})

	require.Error(t, svc.DeleteAccount(context.Background(), uuid.Nil))

	id := uuid.Must(uuid.NewV4())
	require.NoError(t, svc.DeleteAccount(context.Background(), id))
	require.Equal(t, []uuid.UUID{id}, users.deleted)
}
