// Package httpserver exposes the CardVault HTTP API handlers.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/cardvault/internal/api"
	"github.com/and161185/cardvault/internal/convert"
	"github.com/and161185/cardvault/internal/errs"
	"github.com/and161185/cardvault/internal/model"
	"github.com/and161185/cardvault/internal/service"
)

// Server wires services into HTTP handlers.
type Server struct {
	auth    service.AuthService
	sync    service.SyncService
	signKey []byte
	log     *zap.Logger
}

// New constructs an HTTP server with injected services.
func New(auth service.AuthService, sync service.SyncService, signKey []byte, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, sync: sync, signKey: signKey, log: log}
}

// Router builds the API routing tree with logging, recovery and bearer auth.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recover(s.log))
	r.Use(Logging(s.log))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(s.signKey))
			r.Post("/devices", s.handleRegisterDevice)
			r.Post("/devices/{deviceID}/rotate", s.handleRotateKey)
			r.Post("/sync", s.handleSync)
			r.Get("/collection", s.handleCollection)
			r.Delete("/account", s.handleDeleteAccount)
		})
	})
	return r
}

// --- auth ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "empty username/password", http.StatusBadRequest)
		return
	}
	userID, err := s.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.RegisterResponse{UserID: userID})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	tokens, user, err := s.auth.LoginWithIP(r.Context(), req.Username, req.Password, remoteIP(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.LoginResponse{
		UserID:      user.ID.String(),
		AccessToken: tokens.AccessToken,
		ExpiresAt:   tokens.ExpiresAt,
	})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.auth.DeleteAccount(r.Context(), userID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- devices ---

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req api.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.PublicKey) == 0 {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	dev, ver, err := s.sync.RegisterDevice(r.Context(), userID, req.PublicKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.RegisterDeviceResponse{DeviceID: dev.ID.String(), KeyVersion: ver})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	deviceID, err := uuid.FromString(chi.URLParam(r, "deviceID"))
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}
	var req api.RotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.PublicKey) == 0 {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	ver, err := s.sync.RotateKey(r.Context(), userID, deviceID, req.PublicKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.RotateKeyResponse{KeyVersion: ver})
}

// --- sync ---

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req api.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	in, err := syncInputFromWire(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	outcome, err := s.sync.Sync(r.Context(), userID, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status, body := syncResultToWire(outcome)
	writeJSON(w, status, body)
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	col, err := s.sync.Collection(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.CollectionResponse{
		State:   convert.ToWireState(col.State),
		Version: col.Version,
	})
}

// syncInputFromWire parses the wire request and rebuilds the canonical
// signing payload from it; SigningBytes is deterministic, so the rebuilt
// bytes equal what the device signed.
func syncInputFromWire(req api.SyncRequest) (model.SyncInput, error) {
	deviceID, err := uuid.FromString(req.DeviceID)
	if err != nil {
		return model.SyncInput{}, errors.New("invalid device id")
	}
	actions, err := convert.FromWireActions(req.Actions)
	if err != nil {
		return model.SyncInput{}, err
	}
	payload, err := req.SigningBytes()
	if err != nil {
		return model.SyncInput{}, err
	}
	return model.SyncInput{
		DeviceID:          deviceID,
		SigningKeyVersion: req.SigningKeyVersion,
		Signature:         req.Signature,
		SigningPayload:    payload,
		CollectionVersion: req.CollectionVersion,
		LastSyncedVersion: req.LastSyncedVersion,
		Actions:           actions,
		ClientState:       convert.FromWireState(req.ClientState),
	}, nil
}

func syncResultToWire(out model.SyncOutcome) (int, api.SyncResult) {
	switch out.Status {
	case model.SyncApplied:
		state := convert.ToWireState(out.State)
		ids := make([]string, 0, len(out.AppliedIDs))
		for _, id := range out.AppliedIDs {
			ids = append(ids, id.String())
		}
		return http.StatusOK, api.SyncResult{
			Status:           api.StatusApplied,
			NewVersion:       out.NewVersion,
			AppliedActionIDs: ids,
			ServerState:      &state,
		}
	case model.SyncConflict:
		state := convert.ToWireState(out.State)
		return http.StatusConflict, api.SyncResult{
			Status:          api.StatusConflict,
			ServerVersion:   out.ServerVersion,
			ServerState:     &state,
			DivergentFields: convert.ToWireDiffs(out.Divergent),
		}
	default:
		return http.StatusUnauthorized, api.SyncResult{
			Status:     api.StatusRejected,
			Reason:     out.Reason,
			Reregister: out.Reregister,
		}
	}
}

// --- helpers ---

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, errs.ErrRateLimited):
		http.Error(w, "rate limited, try later", http.StatusTooManyRequests)
	case errors.Is(err, errs.ErrAlreadyExists):
		http.Error(w, "already exists", http.StatusConflict)
	case errors.Is(err, errs.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		s.log.Error("internal error", zap.Error(err))
		http.Error(w, "internal", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
