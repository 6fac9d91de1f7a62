package review

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/swarm/core/pkg/bus"
	"github.com/Mindburn-Labs/swarm/core/pkg/envelope"
	"github.com/Mindburn-Labs/swarm/core/pkg/governance"
	"github.com/Mindburn-Labs/swarm/core/pkg/wal"
)

type captureBus struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    []byte
	}
}

func (b *captureBus) Publish(_ context.Context, subject string, data []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return uint64(len(b.published)), nil
}

func (b *captureBus) Consume(context.Context, string, string, bus.Handler, bus.ConsumeOptions) (int, error) {
	return 0, nil
}

func (b *captureBus) Subscribe(context.Context, string, string, bus.Handler) (func(), error) {
	return func() {}, nil
}

func (b *captureBus) ConsumerPending(context.Context, string) (uint64, error) { return 0, nil }

func (b *captureBus) Close() error { return nil }

type memWAL struct {
	mu     sync.Mutex
	events []envelope.Envelope
}

func (l *memWAL) Append(_ context.Context, env *envelope.Envelope) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *env)
	return uint64(len(l.events)), nil
}

func (l *memWAL) Tail(context.Context, int) ([]wal.Event, error)          { return nil, nil }
func (l *memWAL) Since(context.Context, uint64, int) ([]wal.Event, error) { return nil, nil }
func (l *memWAL) LatestSeqOfTypes(context.Context, []envelope.EventType) (uint64, error) {
	return 0, nil
}

func newTestServer(t *testing.T, secret []byte) (*Server, *governance.MemoryReviewRegistry, *captureBus, *memWAL) {
	t.Helper()
	registry := governance.NewMemoryReviewRegistry()
	b := &captureBus{}
	log := &memWAL{}
	return NewServer(registry, b, log, secret, nil), registry, b, log
}

func signedToken(t *testing.T, secret []byte, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func pendingReview(t *testing.T, registry *governance.MemoryReviewRegistry, proposal, scope string) {
	t.Helper()
	require.NoError(t, registry.Insert(context.Background(), &governance.PendingReview{
		ProposalID: proposal,
		ScopeID:    scope,
		Agent:      "agent-1",
		Reason:     "governance_review",
		CreatedAt:  time.Now().UTC(),
	}))
}

func TestHealthIsPublic(t *testing.T) {
	srv, _, _, _ := newTestServer(t, []byte("secret"))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListRequiresToken(t *testing.T) {
	srv, registry, _, _ := newTestServer(t, []byte("secret"))
	pendingReview(t, registry, "p-1", "s1")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reviews?scope=s1", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/reviews?scope=s1", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, []byte("wrong"), "alice"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/reviews?scope=s1", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, []byte("secret"), "alice"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Pending []governance.PendingReview `json:"pending"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Pending, 1)
	require.Equal(t, "p-1", body.Pending[0].ProposalID)
}

func TestListWithoutScopeIsBadRequest(t *testing.T) {
	srv, _, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reviews", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmptySecretDisablesAuth(t *testing.T) {
	srv, registry, _, _ := newTestServer(t, nil)
	pendingReview(t, registry, "p-1", "s1")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reviews?scope=s1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestResolvePublishesResolutionEvent(t *testing.T) {
	srv, registry, b, log := newTestServer(t, []byte("secret"))
	pendingReview(t, registry, "p-1", "s1")

	req := httptest.NewRequest(http.MethodPost, "/reviews/p-1/resolve",
		strings.NewReader(`{"resolution":"approve","comment":"looks right"}`))
	req.Header.Set("Authorization", "Bearer "+signedToken(t, []byte("secret"), "alice"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Registry row is cleared, so the watchdog can escalate this scope again.
	has, err := registry.HasPendingForScope(context.Background(), "s1")
	require.NoError(t, err)
	require.False(t, has)

	require.Len(t, log.events, 1)
	require.Equal(t, envelope.EventResolution, log.events[0].Type)
	require.Equal(t, "p-1", log.events[0].CorrelationID)

	require.Len(t, b.published, 1)
	require.Equal(t, bus.SubjectActionFinality, b.published[0].subject)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(b.published[0].data, &env))
	var event ResolutionEvent
	require.NoError(t, json.Unmarshal(env.Payload, &event))
	require.Equal(t, "p-1", event.ProposalID)
	require.Equal(t, "s1", event.ScopeID)
	require.Equal(t, ResolutionApprove, event.Resolution)
	require.Equal(t, "alice", event.ResolvedBy)
}

func TestResolveUnknownProposalIs404(t *testing.T) {
	srv, _, b, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/reviews/ghost/resolve",
		strings.NewReader(`{"resolution":"reject"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, b.published)
}

func TestResolveRejectsUnknownResolution(t *testing.T) {
	srv, registry, _, _ := newTestServer(t, nil)
	pendingReview(t, registry, "p-1", "s1")

	req := httptest.NewRequest(http.MethodPost, "/reviews/p-1/resolve",
		strings.NewReader(`{"resolution":"defer"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	has, err := registry.HasPendingForScope(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, has)
}
