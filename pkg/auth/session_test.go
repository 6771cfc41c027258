package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/caseguard/pkg/audit"
	"github.com/platinummonkey/caseguard/pkg/authz"
)

type memoryCredentials struct {
	mu         sync.Mutex
	principals map[string]Principal
	secrets    map[string]string
	hashes     map[string]string
}

func newMemoryCredentials() *memoryCredentials {
	return &memoryCredentials{
		principals: map[string]Principal{testPrincipal.SubjectID: testPrincipal},
		secrets:    map[string]string{},
		hashes:     map[string]string{},
	}
}

func (m *memoryCredentials) GetPrincipal(_ context.Context, subjectID string) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[subjectID]
	if !ok {
		return Principal{}, authz.NotFound("user", subjectID)
	}
	return p, nil
}

func (m *memoryCredentials) MFASecret(_ context.Context, subjectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secrets[subjectID], nil
}

func (m *memoryCredentials) SetRefreshTokenHash(_ context.Context, subjectID string, hash *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hash == nil {
		delete(m.hashes, subjectID)
		return nil
	}
	m.hashes[subjectID] = *hash
	return nil
}

func (m *memoryCredentials) RotateRefreshTokenHash(_ context.Context, subjectID, current, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.hashes[subjectID]; !ok || stored != current {
		return false, nil
	}
	m.hashes[subjectID] = next
	return true, nil
}

type recordingInvalidator struct {
	subjects []string
	err      error
}

func (r *recordingInvalidator) SubjectLoggedOut(_ context.Context, subjectID string) error {
	r.subjects = append(r.subjects, subjectID)
	return r.err
}

func newTestSessionService(t *testing.T) (*SessionService, *memoryCredentials, *recordingInvalidator, *audit.MemoryEmitter) {
	t.Helper()
	creds := newMemoryCredentials()
	inv := &recordingInvalidator{}
	emitter := &audit.MemoryEmitter{}
	return NewSessionService(newTestTokenManager(t), creds, nil, inv, emitter, nil), creds, inv, emitter
}

func TestSessionIssueStoresHash(t *testing.T) {
	svc, creds, _, _ := newTestSessionService(t)

	pair, err := svc.Issue(context.Background(), "user-1", false)
	require.NoError(t, err)
	assert.Equal(t, HashToken(pair.RefreshToken), creds.hashes["user-1"])

	_, err = svc.Issue(context.Background(), "ghost", false)
	assert.True(t, authz.IsNotFound(err))
}

func TestSessionRefreshRotates(t *testing.T) {
	svc, _, _, emitter := newTestSessionService(t)
	ctx := context.Background()

	first, err := svc.Issue(ctx, "user-1", true)
	require.NoError(t, err)

	second, err := svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	identity, err := svc.tokens.VerifyAccess(second.AccessToken)
	require.NoError(t, err)
	assert.True(t, identity.MFAVerified, "refresh keeps the mfa flag")

	_, err = svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, authz.ErrUnauthenticated, "rotated token is rejected")

	_, err = svc.Refresh(ctx, second.AccessToken)
	assert.ErrorIs(t, err, authz.ErrUnauthenticated, "access token is not a refresh token")

	events := emitter.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "auth", events[0].Module)
	assert.Equal(t, "token_refresh", events[0].Action)
}

func TestSessionConcurrentRefreshSingleWinner(t *testing.T) {
	svc, creds, _, emitter := newTestSessionService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", false)
	require.NoError(t, err)

	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []TokenPair
		losers  int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := svc.Refresh(ctx, pair.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, authz.ErrUnauthenticated)
				losers++
				return
			}
			winners = append(winners, next)
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1, "a refresh token rotates exactly once")
	assert.Equal(t, racers-1, losers)
	assert.Equal(t, HashToken(winners[0].RefreshToken), creds.hashes["user-1"])
	assert.Len(t, emitter.Events(), 1)
}

func TestSessionRefreshUnknownSubject(t *testing.T) {
	svc, creds, _, _ := newTestSessionService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", false)
	require.NoError(t, err)
	delete(creds.principals, "user-1")

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, authz.ErrUnauthenticated)
}

func TestSessionLogout(t *testing.T) {
	svc, creds, inv, emitter := newTestSessionService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", false)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, "user-1"))
	assert.Empty(t, creds.hashes["user-1"])
	assert.Equal(t, []string{"user-1"}, inv.subjects)

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, authz.ErrUnauthenticated)

	events := emitter.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "logout", events[0].Action)

	t.Run("invalidation failure is reported", func(t *testing.T) {
		inv.err = errors.New("redis down")
		assert.Error(t, svc.Logout(ctx, "user-1"))
	})
}

func TestSessionVerifyMFA(t *testing.T) {
	svc, creds, _, emitter := newTestSessionService(t)
	ctx := context.Background()
	creds.secrets["user-1"] = testTOTPSecret

	identity := &Identity{SubjectID: "user-1", TenantID: "org-1"}

	t.Run("bad code", func(t *testing.T) {
		_, err := svc.VerifyMFA(ctx, identity, "000000")
		assert.ErrorIs(t, err, authz.ErrUnauthenticated)
	})

	t.Run("valid code", func(t *testing.T) {
		code, err := totp.GenerateCode(testTOTPSecret, time.Now().UTC())
		require.NoError(t, err)

		pair, err := svc.VerifyMFA(ctx, identity, code)
		require.NoError(t, err)

		upgraded, err := svc.tokens.VerifyAccess(pair.AccessToken)
		require.NoError(t, err)
		assert.True(t, upgraded.MFAVerified)

		events := emitter.Events()
		require.NotEmpty(t, events)
		assert.Equal(t, "mfa_verified", events[len(events)-1].Action)
	})

	t.Run("not enrolled", func(t *testing.T) {
		_, err := svc.VerifyMFA(ctx, &Identity{SubjectID: "user-2"}, "123456")
		assert.True(t, authz.IsForbidden(err))
	})

	t.Run("no identity", func(t *testing.T) {
		_, err := svc.VerifyMFA(ctx, nil, "123456")
		assert.ErrorIs(t, err, authz.ErrUnauthenticated)
	})
}
