// Package syncclient drives the request/response sync exchange with the
// server: it packages pending actions, signs them, sends, and interprets
// the result.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/cardvault/internal/api"
	"github.com/and161185/cardvault/internal/convert"
	"github.com/and161185/cardvault/internal/errs"
	"github.com/and161185/cardvault/internal/model"
	"github.com/and161185/cardvault/internal/signing"
	"github.com/and161185/cardvault/internal/store"
)

// Conflict is the divergence payload handed to the conflict resolver.
type Conflict struct {
	ServerVersion int64
	ServerState   model.CollectionState
	Divergent     []model.FieldDiff
}

// TokenSource supplies the session credential for each request. Identity is
// an external collaborator; the sync engine only attaches what it is given.
type TokenSource func() (string, error)

// Client is the device-side half of the sync protocol. One flush runs at a
// time; a second concurrent call fails fast with ErrSyncInFlight.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
	signer  *signing.Manager
	store   *store.Store
	log     *zap.Logger

	flushGate chan struct{}

	retryBase time.Duration
	retryMax  uint64
}

// New constructs a sync client. httpClient may be nil for a default with a
// sane timeout.
func New(baseURL string, httpClient *http.Client, token TokenSource, signer *signing.Manager, st *store.Store, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		baseURL:   baseURL,
		http:      httpClient,
		token:     token,
		signer:    signer,
		store:     st,
		log:       log,
		flushGate: make(chan struct{}, 1),
		retryBase: 500 * time.Millisecond,
		retryMax:  4,
	}
	c.flushGate <- struct{}{}
	return c
}

// Flush sends the pending queue if there is anything to send. It returns a
// non-nil *Conflict when the server reports divergence; nil, nil means the
// queue is drained (or there was nothing to do). Transient transport errors
// are retried with exponential backoff; a cancelled context stops the
// attempt and leaves the queue untouched.
func (c *Client) Flush(ctx context.Context) (*Conflict, error) {
	select {
	case <-c.flushGate:
		defer func() { c.flushGate <- struct{}{} }()
	default:
		return nil, errs.ErrSyncInFlight
	}

	if !c.store.Dirty() {
		return nil, nil
	}

	req, acts, err := c.buildRequest()
	if err != nil {
		return nil, err
	}

	var result api.SyncResult
	backoff := retry.WithMaxRetries(c.retryMax, retry.NewExponential(c.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := c.postSync(ctx, req)
		if err != nil {
			c.log.Warn("sync attempt failed", zap.Error(err))
			var perm permanentError
			if errors.As(err, &perm) {
				return err
			}
			return retry.RetryableError(err)
		}
		result = *res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	switch result.Status {
	case api.StatusApplied:
		if result.ServerState == nil {
			return nil, errors.New("sync: applied result without server state")
		}
		ackIDs := make([]uuid.UUID, 0, len(result.AppliedActionIDs))
		for _, s := range result.AppliedActionIDs {
			id, err := uuid.FromString(s)
			if err != nil {
				return nil, fmt.Errorf("sync: applied action id: %w", err)
			}
			ackIDs = append(ackIDs, id)
		}
		if err := c.store.ApplyAccepted(convert.FromWireState(*result.ServerState), result.NewVersion, ackIDs); err != nil {
			return nil, err
		}
		c.log.Info("sync applied",
			zap.Int64("new_version", result.NewVersion),
			zap.Int("actions", len(acts)),
		)
		return nil, nil

	case api.StatusConflict:
		if result.ServerState == nil {
			return nil, errors.New("sync: conflict result without server state")
		}
		c.log.Info("sync conflict",
			zap.Int64("server_version", result.ServerVersion),
			zap.Int("divergent_fields", len(result.DivergentFields)),
		)
		return &Conflict{
			ServerVersion: result.ServerVersion,
			ServerState:   convert.FromWireState(*result.ServerState),
			Divergent:     convert.FromWireDiffs(result.DivergentFields),
		}, nil

	case api.StatusRejected:
		// local state untouched; caller decides on retry or re-registration
		if result.Reregister {
			return nil, fmt.Errorf("sync rejected (%s): %w", result.Reason, errs.ErrNeedsReregistration)
		}
		return nil, fmt.Errorf("sync rejected: %s: %w", result.Reason, errs.ErrUnauthorized)

	default:
		return nil, fmt.Errorf("sync: unknown result status %q", result.Status)
	}
}

// PullFull fetches the authoritative snapshot and overwrites local state.
// Used after local corruption quarantines the snapshot.
func (c *Client) PullFull(ctx context.Context) error {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/v1/collection", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull: unexpected status %d", resp.StatusCode)
	}
	var out api.CollectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("pull: decode: %w", err)
	}
	return c.store.AdoptServerState(convert.FromWireState(out.State), out.Version)
}

func (c *Client) buildRequest() (*api.SyncRequest, []model.QueuedAction, error) {
	snap := c.store.Snapshot()
	pending := c.store.Pending()
	acts, err := convert.ToWireActions(pending)
	if err != nil {
		return nil, nil, err
	}
	req := &api.SyncRequest{
		DeviceID:          snap.DeviceID.String(),
		CollectionVersion: snap.Version,
		LastSyncedVersion: snap.LastSyncedVersion,
		Actions:           acts,
		ClientState:       convert.ToWireState(snap.State),
		SigningKeyVersion: c.signer.KeyVersion(),
	}
	payload, err := req.SigningBytes()
	if err != nil {
		return nil, nil, err
	}
	sig, err := c.signer.Sign(payload)
	if err != nil {
		return nil, nil, err
	}
	req.Signature = sig
	return req, pending, nil
}

func (c *Client) postSync(ctx context.Context, req *api.SyncRequest) (*api.SyncResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v1/sync", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	// rejected results arrive with non-2xx codes but a parseable body
	var out api.SyncResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, classify(resp.StatusCode, fmt.Errorf("status %d: decode: %w", resp.StatusCode, err))
	}
	if out.Status == "" {
		return nil, classify(resp.StatusCode, fmt.Errorf("status %d: empty result", resp.StatusCode))
	}
	return &out, nil
}

// permanentError marks a server answer retrying cannot change, such as a
// middleware 401 with a plain-text body. Flush stops the backoff loop on it.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// classify treats undecodable non-5xx responses as permanent; 5xx bodies
// may be a proxy hiccup and stay retryable.
func classify(status int, err error) error {
	if status >= 500 {
		return err
	}
	return permanentError{err}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body *bytes.Reader) (*http.Request, error) {
	var httpReq *http.Request
	var err error
	if body != nil {
		httpReq, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return nil, err
	}
	tok, err := c.token()
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+tok)
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}
