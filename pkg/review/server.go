// Package review exposes the human-in-the-loop surface: listing pending
// reviews and resolving them. A resolution publishes swarm.actions.finality
// and clears the registry row, which rearms the watchdog for the scope.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/swarm/core/pkg/bus"
	"github.com/Mindburn-Labs/swarm/core/pkg/envelope"
	"github.com/Mindburn-Labs/swarm/core/pkg/governance"
	"github.com/Mindburn-Labs/swarm/core/pkg/wal"
)

// Resolution values accepted from a reviewer.
const (
	ResolutionApprove = "approve"
	ResolutionReject  = "reject"
)

// ResolutionEvent is the payload published on swarm.actions.finality.
type ResolutionEvent struct {
	ProposalID string `json:"proposal_id"`
	ScopeID    string `json:"scope_id"`
	Resolution string `json:"resolution"`
	Comment    string `json:"comment,omitempty"`
	ResolvedBy string `json:"resolved_by"`
}

// Server is the MITL HTTP endpoint.
type Server struct {
	registry  governance.ReviewRegistry
	bus       bus.Bus
	wal       wal.Log
	jwtSecret []byte
	log       *slog.Logger
}

// NewServer builds the review server. An empty secret disables authentication
// for local development.
func NewServer(registry governance.ReviewRegistry, b bus.Bus, log wal.Log,
	jwtSecret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: registry, bus: b, wal: log, jwtSecret: jwtSecret, log: logger}
}

// Handler returns the routed and authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /reviews", s.handleList)
	mux.HandleFunc("POST /reviews/{proposal_id}/resolve", s.handleResolve)
	return s.authenticate(mux)
}

// ListenAndServe serves until the context is cancelled, then shuts down with
// a short grace window.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("review server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

type reviewerKey struct{}

// authenticate validates the bearer token when a secret is configured.
// Requests fail closed; /health stays public.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || len(s.jwtSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if claims.Subject == "" {
			writeError(w, http.StatusUnauthorized, "token subject is required")
			return
		}
		ctx := context.WithValue(r.Context(), reviewerKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func reviewerFrom(ctx context.Context) string {
	if v, ok := ctx.Value(reviewerKey{}).(string); ok {
		return v
	}
	return "anonymous"
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		writeError(w, http.StatusBadRequest, "scope query parameter is required")
		return
	}
	pending, err := s.registry.ListPending(r.Context(), scope)
	if err != nil {
		s.log.Error("list pending failed", "scope", scope, "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
	Comment    string `json:"comment,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	proposalID := r.PathValue("proposal_id")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Resolution != ResolutionApprove && req.Resolution != ResolutionReject {
		writeError(w, http.StatusBadRequest, "resolution must be approve or reject")
		return
	}

	rev, err := s.registry.Resolve(r.Context(), proposalID, req.Resolution)
	if errors.Is(err, governance.ErrReviewNotFound) {
		writeError(w, http.StatusNotFound, "no pending review with that id")
		return
	}
	if err != nil {
		s.log.Error("resolve failed", "proposal", proposalID, "error", err)
		writeError(w, http.StatusInternalServerError, "resolve failed")
		return
	}

	event := ResolutionEvent{
		ProposalID: rev.ProposalID,
		ScopeID:    rev.ScopeID,
		Resolution: req.Resolution,
		Comment:    req.Comment,
		ResolvedBy: reviewerFrom(r.Context()),
	}
	if err := s.publish(r.Context(), event); err != nil {
		s.log.Error("resolution publish failed", "proposal", proposalID, "error", err)
		writeError(w, http.StatusBadGateway, "resolution recorded but publish failed")
		return
	}

	s.log.Info("review resolved",
		"proposal", rev.ProposalID, "scope", rev.ScopeID,
		"resolution", req.Resolution, "by", event.ResolvedBy)
	writeJSON(w, http.StatusOK, map[string]any{"resolved": rev})
}

// publish appends the resolution envelope to the WAL and emits it on the
// finality action subject. The WAL entry is what re-activates the facts
// stage (resolution is an activation type).
func (s *Server) publish(ctx context.Context, event ResolutionEvent) error {
	env, err := envelope.New(envelope.EventResolution, "review", event)
	if err != nil {
		return err
	}
	env.WithCorrelation(event.ProposalID)

	if s.wal != nil {
		if _, err := s.wal.Append(ctx, env); err != nil {
			return fmt.Errorf("review: wal append: %w", err)
		}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("review: marshal envelope: %w", err)
	}
	if _, err := s.bus.Publish(ctx, bus.SubjectActionFinality, data); err != nil {
		return fmt.Errorf("review: publish: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
