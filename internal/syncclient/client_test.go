package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cardvault/internal/api"
	"github.com/and161185/cardvault/internal/errs"
	"github.com/and161185/cardvault/internal/signing"
	"github.com/and161185/cardvault/internal/store"
)

func tokenOK() (string, error) { return "test-token", nil }

func newClientEnv(t *testing.T, handler http.Handler) (*Client, *store.Store, *signing.Manager) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	st, err := store.New(dir, uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), nil)
	require.NoError(t, err)

	signer, err := signing.Open(dir)
	require.NoError(t, err)
	_, err = signer.Generate()
	require.NoError(t, err)
	require.NoError(t, st.SetSigningKeyVersion(1))

	c := New(srv.URL, srv.Client(), tokenOK, signer, st, nil)
	c.retryBase = time.Millisecond
	c.retryMax = 2
	return c, st, signer
}

func writeResult(w http.ResponseWriter, code int, res api.SyncResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(res)
}

func TestFlush_NothingPendingIsNoop(t *testing.T) {
	calls := 0
	c, _, _ := newClientEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	conflict, err := c.Flush(context.Background())
	require.NoError(t, err)
	require.Nil(t, conflict)
	require.Zero(t, calls)
}

func TestFlush_AppliedAcksAndAdoptsServerState(t *testing.T) {
	var gotReq api.SyncRequest
	var signedBytes []byte
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sync", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		signedBytes, _ = gotReq.SigningBytes()

		state := gotReq.ClientState
		writeResult(w, http.StatusOK, api.SyncResult{
			Status:           api.StatusApplied,
			NewVersion:       gotReq.CollectionVersion,
			AppliedActionIDs: []string{gotReq.Actions[0].ID},
			ServerState:      &state,
		})
	})
	c, st, signer := newClientEnv(t, handler)

	_, err := st.AddCredits(50)
	require.NoError(t, err)

	conflict, err := c.Flush(context.Background())
	require.NoError(t, err)
	require.Nil(t, conflict)

	// signature over the canonical bytes verifies with the device key
	require.True(t, signing.Verify(signer.PublicKey(), signedBytes, gotReq.Signature))
	require.EqualValues(t, 1, gotReq.SigningKeyVersion)

	snap := st.Snapshot()
	require.Zero(t, snap.PendingActions)
	require.Equal(t, snap.Version, snap.LastSyncedVersion)
	require.EqualValues(t, 50, snap.State.EcoCredits)
	require.False(t, st.Dirty())
}

func TestFlush_ConflictReturnedWithoutTouchingQueue(t *testing.T) {
	serverState := api.CollectionStateDTO{
		Cards:      map[string]int64{},
		EcoCredits: 200,
		Decks:      map[string]api.DeckDTO{},
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusConflict, api.SyncResult{
			Status:          api.StatusConflict,
			ServerVersion:   9,
			ServerState:     &serverState,
			DivergentFields: []api.FieldDiffDTO{{Field: "eco_credits", Local: "50", Server: "200"}},
		})
	})
	c, st, _ := newClientEnv(t, handler)

	_, err := st.AddCredits(50)
	require.NoError(t, err)

	conflict, err := c.Flush(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conflict)
	require.EqualValues(t, 9, conflict.ServerVersion)
	require.EqualValues(t, 200, conflict.ServerState.EcoCredits)
	require.Len(t, conflict.Divergent, 1)

	// local queue and state stay intact until the resolver decides
	snap := st.Snapshot()
	require.Equal(t, 1, snap.PendingActions)
	require.EqualValues(t, 50, snap.State.EcoCredits)
}

func TestFlush_RejectedWithReregister(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusUnauthorized, api.SyncResult{
			Status:     api.StatusRejected,
			Reason:     "unknown signing key",
			Reregister: true,
		})
	})
	c, st, _ := newClientEnv(t, handler)

	_, err := st.AddCredits(50)
	require.NoError(t, err)

	_, err = c.Flush(context.Background())
	require.ErrorIs(t, err, errs.ErrNeedsReregistration)
	require.Equal(t, 1, st.Snapshot().PendingActions)
}

func TestFlush_RejectedWithoutReregister(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusUnauthorized, api.SyncResult{
			Status: api.StatusRejected,
			Reason: "bad signature",
		})
	})
	c, st, _ := newClientEnv(t, handler)

	_, err := st.AddCredits(50)
	require.NoError(t, err)

	_, err = c.Flush(context.Background())
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestFlush_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req api.SyncRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		state := req.ClientState
		writeResult(w, http.StatusOK, api.SyncResult{
			Status:           api.StatusApplied,
			NewVersion:       req.CollectionVersion,
			AppliedActionIDs: []string{req.Actions[0].ID},
			ServerState:      &state,
		})
	})
	c, st, _ := newClientEnv(t, handler)

	_, err := st.AddCredits(50)
	require.NoError(t, err)

	conflict, err := c.Flush(context.Background())
	require.NoError(t, err)
	require.Nil(t, conflict)
	require.Equal(t, 3, attempts)
	require.Zero(t, st.Snapshot().PendingActions)
}

func TestFlush_PlainTextUnauthorizedIsNotRetried(t *testing.T) {
	attempts := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "invalid token", http.StatusUnauthorized)
	})
	c, st, _ := newClientEnv(t, handler)

	_, err := st.AddCredits(50)
	require.NoError(t, err)

	_, err = c.Flush(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, attempts)
	require.Equal(t, 1, st.Snapshot().PendingActions)
}

func TestFlush_CancelledContextLeavesQueueIntact(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c, st, _ := newClientEnv(t, handler)

	_, err := st.AddCredits(50)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Flush(ctx)
	require.Error(t, err)
	require.Equal(t, 1, st.Snapshot().PendingActions)
	require.True(t, st.Dirty())
}

func TestFlush_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeResult(w, http.StatusUnauthorized, api.SyncResult{Status: api.StatusRejected, Reason: "slow"})
	})
	c, st, _ := newClientEnv(t, handler)

	_, err := st.AddCredits(50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.Flush(context.Background())
	}()

	// wait until the first flush holds the gate
	require.Eventually(t, func() bool {
		_, err := c.Flush(context.Background())
		return errors.Is(err, errs.ErrSyncInFlight)
	}, time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()

	// gate released; next call proceeds past it
	_, err = c.Flush(context.Background())
	require.NotErrorIs(t, err, errs.ErrSyncInFlight)
}

func TestPullFull_OverwritesLocalState(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/collection", r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.CollectionResponse{
			State: api.CollectionStateDTO{
				Cards:      map[string]int64{"srv": 2},
				EcoCredits: 75,
				Decks:      map[string]api.DeckDTO{},
			},
			Version: 14,
		})
	})
	c, st, _ := newClientEnv(t, handler)

	_, err := st.AddCredits(999)
	require.NoError(t, err)

	require.NoError(t, c.PullFull(context.Background()))
	snap := st.Snapshot()
	require.EqualValues(t, 14, snap.Version)
	require.EqualValues(t, 75, snap.State.EcoCredits)
	require.EqualValues(t, 2, snap.State.Cards["srv"])
	require.Zero(t, snap.PendingActions)
}
