package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-ingestor/internal/executor"
)

type tokenServer struct {
	srv       *httptest.Server
	exchanges atomic.Int32
	status    int
	expiresIn int
	mu        sync.Mutex
	lastUser  string
	lastPass  string
	lastGrant string
	lastAgent string
}

func newTokenServer(t *testing.T, status, expiresIn int) *tokenServer {
	t.Helper()
	ts := &tokenServer{status: status, expiresIn: expiresIn}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.exchanges.Add(1)
		_ = r.ParseForm()
		user, pass, _ := r.BasicAuth()
		ts.mu.Lock()
		ts.lastUser, ts.lastPass = user, pass
		ts.lastGrant = r.PostForm.Get("grant_type")
		ts.lastAgent = r.Header.Get("User-Agent")
		ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if ts.status != http.StatusOK {
			w.WriteHeader(ts.status)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		token := "token-1"
		if n > 1 {
			token = "token-2"
		}
		_, _ = w.Write([]byte(`{"access_token":"` + token + `","token_type":"bearer","expires_in":` +
			strconv.Itoa(ts.expiresIn) + `}`))
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func newSession(ts *tokenServer, now func() time.Time) *Session {
	return NewSession(SessionConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     ts.srv.URL,
		UserAgent:    "ingestor-test/1.0",
		Now:          now,
	})
}

func TestSessionCachesCredential(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, http.StatusOK, 3600)
	s := newSession(ts, nil)

	first, err := s.EnsureValid(context.Background())
	require.NoError(t, err)
	require.Equal(t, "token-1", first.Token)

	second, err := s.EnsureValid(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, ts.exchanges.Load())

	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.Equal(t, "client", ts.lastUser)
	require.Equal(t, "secret", ts.lastPass)
	require.Equal(t, "client_credentials", ts.lastGrant)
	require.Equal(t, "ingestor-test/1.0", ts.lastAgent)
}

func TestSessionRefreshesInsideSafetyMargin(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, http.StatusOK, 3600)
	var offset atomic.Int64
	now := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	s := newSession(ts, now)

	_, err := s.EnsureValid(context.Background())
	require.NoError(t, err)

	// 3600s token, 300s margin: at +3200s the credential is still fresh.
	offset.Store(int64(3200 * time.Second))
	cred, err := s.EnsureValid(context.Background())
	require.NoError(t, err)
	require.Equal(t, "token-1", cred.Token)

	// At +3400s it is inside the margin and must be refreshed.
	offset.Store(int64(3400 * time.Second))
	cred, err = s.EnsureValid(context.Background())
	require.NoError(t, err)
	require.Equal(t, "token-2", cred.Token)
	require.EqualValues(t, 2, ts.exchanges.Load())
}

func TestSessionInvalidateForcesExchange(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, http.StatusOK, 3600)
	s := newSession(ts, nil)

	_, err := s.EnsureValid(context.Background())
	require.NoError(t, err)
	s.Invalidate()
	cred, err := s.EnsureValid(context.Background())
	require.NoError(t, err)
	require.Equal(t, "token-2", cred.Token)
}

func TestSessionExchangeFailureIsAuthError(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, http.StatusUnauthorized, 0)
	s := newSession(ts, nil)

	_, err := s.EnsureValid(context.Background())
	require.ErrorIs(t, err, executor.ErrAuth)

	var authErr *executor.AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, http.StatusUnauthorized, authErr.Status)
}

func TestSessionMarginFloor(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{SafetyMargin: time.Second})
	require.Equal(t, MinSafetyMargin, s.margin)
}

func TestStaticToken(t *testing.T) {
	t.Parallel()

	st := StaticToken{Token: "store"}
	cred, err := st.EnsureValid(context.Background())
	require.NoError(t, err)
	require.Equal(t, "store", cred.Token)
	st.Invalidate()
}
