// ABOUTME: Tests for handshake stage ordering, dispositions and the log observer

package pipeline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stffns/QAI/internal/auth"
	"github.com/stffns/QAI/internal/metrics"
	"github.com/stffns/QAI/internal/protocol"
	"github.com/stffns/QAI/internal/security"
	"github.com/stffns/QAI/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	sec     *security.Manager
	issuer  *auth.Issuer
	metrics *metrics.Metrics
	clock   *clock.Mock
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	issuer, err := auth.NewIssuer(auth.IssuerConfig{Secret: []byte("0123456789abcdef0123456789abcdef"), Clock: mock})
	require.NoError(t, err)
	ips, err := security.NewIPFilter([]string{"6.6.6.6"})
	require.NoError(t, err)
	sec := security.NewManager(security.ManagerConfig{
		Tokens:  issuer,
		Limiter: security.NewRateLimiter(security.RateLimitConfig{Limit: limit, Window: time.Minute}, mock),
		Origins: security.NewOriginPolicy(true, []string{"http://ok.example"}, false),
		IPs:     ips,
	})
	return &fixture{sec: sec, issuer: issuer, metrics: metrics.New(), clock: mock}
}

func (f *fixture) token(t *testing.T, sub string) string {
	t.Helper()
	token, _, err := f.issuer.Issue(sub)
	require.NoError(t, err)
	return token
}

func (f *fixture) evaluations(phase, stage string) float64 {
	return testutil.ToFloat64(f.metrics.StageEvaluations.WithLabelValues(phase, stage, "pass")) +
		testutil.ToFloat64(f.metrics.StageEvaluations.WithLabelValues(phase, stage, "reject"))
}

type recordingObserver struct{ outcomes []Outcome }

func (r *recordingObserver) Observe(_ context.Context, o Outcome) { r.outcomes = append(r.outcomes, o) }

func TestRun_HappyPathSetsIdentity(t *testing.T) {
	f := newFixture(t, 10)
	obs := &recordingObserver{}
	p := Default(f.sec, f.metrics, obs)

	h := &Handshake{RemoteIP: "1.2.3.4", Origin: "http://ok.example", Token: f.token(t, "u1")}
	require.NoError(t, p.Run(context.Background(), h))

	require.NotNil(t, h.Identity)
	assert.Equal(t, "u1", h.Identity.Subject)
	require.Len(t, obs.outcomes, 1)
	assert.Nil(t, obs.outcomes[0].Err)
	assert.Equal(t, StageAuth, obs.outcomes[0].Stage)
}

func TestRun_OriginFailureNeverReachesRateLimiter(t *testing.T) {
	f := newFixture(t, 10)
	obs := &recordingObserver{}
	p := Default(f.sec, f.metrics, obs)

	err := p.Run(context.Background(), &Handshake{RemoteIP: "1.2.3.4", Origin: "http://evil.example", Token: f.token(t, "u1")})

	assert.Equal(t, protocol.KindCorsRejected, protocol.KindOf(err))
	assert.Equal(t, Close, DispositionOf(err))
	assert.Equal(t, 1.0, f.evaluations(PhaseHandshake, StageOrigin))
	assert.Equal(t, 0.0, f.evaluations(PhaseHandshake, StageIPBlock))
	assert.Equal(t, 0.0, f.evaluations(PhaseHandshake, StageRateLimit))
	assert.Equal(t, 0.0, f.evaluations(PhaseHandshake, StageAuth))

	// the logging stage still sees the rejection
	require.Len(t, obs.outcomes, 1)
	assert.Equal(t, StageOrigin, obs.outcomes[0].Stage)
	assert.Equal(t, protocol.KindCorsRejected, obs.outcomes[0].Err.Kind)
}

func TestRun_BlockedIPStopsBeforeRateLimit(t *testing.T) {
	f := newFixture(t, 10)
	p := Default(f.sec, f.metrics)

	err := p.Run(context.Background(), &Handshake{RemoteIP: "6.6.6.6", Origin: "http://ok.example"})

	assert.Equal(t, protocol.KindIPBlocked, protocol.KindOf(err))
	assert.Equal(t, 0.0, f.evaluations(PhaseHandshake, StageRateLimit))
}

func TestRun_ExpiredToken(t *testing.T) {
	f := newFixture(t, 10)
	p := Default(f.sec, f.metrics)
	token := f.token(t, "u1")
	f.clock.Add(2 * time.Hour)

	err := p.Run(context.Background(), &Handshake{RemoteIP: "1.2.3.4", Origin: "http://ok.example", Token: token})

	assert.Equal(t, protocol.KindTokenExpired, protocol.KindOf(err))
	assert.Equal(t, Close, DispositionOf(err))
}

func TestRun_RateLimitedKeepsOpen(t *testing.T) {
	f := newFixture(t, 1)
	p := Default(f.sec, f.metrics)
	h := &Handshake{RemoteIP: "1.2.3.4", Origin: "http://ok.example", Token: "bad"}

	err := p.Run(context.Background(), h)
	assert.Equal(t, protocol.KindInvalidSignature, protocol.KindOf(err))

	err = p.Run(context.Background(), h)
	assert.Equal(t, protocol.KindRateLimited, protocol.KindOf(err))
	assert.Equal(t, KeepOpen, DispositionOf(err))
	assert.Equal(t, 1.0, f.evaluations(PhaseHandshake, StageAuth))
}

func TestCheckMessage_UsesUserIdentity(t *testing.T) {
	f := newFixture(t, 2)
	p := Default(f.sec, f.metrics)
	h := &Handshake{RemoteIP: "1.2.3.4", Origin: "http://ok.example", Token: f.token(t, "u1")}
	require.NoError(t, p.Run(context.Background(), h))
	assert.Equal(t, "user:u1", RateKey(h))

	// the handshake was charged to the address, so the user has a full window
	require.NoError(t, p.CheckMessage(context.Background(), h))
	require.NoError(t, p.CheckMessage(context.Background(), h))
	err := p.CheckMessage(context.Background(), h)
	assert.Equal(t, protocol.KindRateLimited, protocol.KindOf(err))
	assert.Equal(t, 3.0, f.evaluations(PhaseMessage, StageRateLimit))
}

type orderStage struct {
	name string
	log  *[]string
	err  error
}

func (s orderStage) Name() string { return s.name }
func (s orderStage) Check(context.Context, *Handshake) error {
	*s.log = append(*s.log, s.name)
	return s.err
}

func TestRun_StagesInOrderAndPlainErrorsWrapped(t *testing.T) {
	var log []string
	p := New(nil, []Stage{
		orderStage{name: "a", log: &log},
		orderStage{name: "b", log: &log, err: io.ErrUnexpectedEOF},
		orderStage{name: "c", log: &log},
	}, nil)

	err := p.Run(context.Background(), &Handshake{})
	assert.Equal(t, []string{"a", "b"}, log)
	assert.Equal(t, protocol.KindTransportError, protocol.KindOf(err))
	assert.NoError(t, p.CheckMessage(context.Background(), &Handshake{}))
}

func TestLogObserver_AuditsOutcomes(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer st.Close()

	f := newFixture(t, 10)
	p := Default(f.sec, f.metrics, NewLogObserver(testLogger(), st, f.metrics))
	ctx := context.Background()

	require.NoError(t, p.Run(ctx, &Handshake{ConnID: "c1", RemoteIP: "1.2.3.4", Origin: "http://ok.example", Token: f.token(t, "u1")}))
	require.Error(t, p.Run(ctx, &Handshake{ConnID: "c2", RemoteIP: "6.6.6.6", Origin: "http://ok.example"}))

	entries, err := st.ListAuditLog(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	byConn := map[string]store.AuditEntry{}
	for _, e := range entries {
		byConn[e.ConnectionID] = e
	}
	assert.Equal(t, store.AuditConnectionAccepted, byConn["c1"].Action)
	assert.Equal(t, "u1", byConn["c1"].Actor)
	assert.Equal(t, store.AuditConnectionRejected, byConn["c2"].Action)
	assert.Equal(t, "IpBlocked", byConn["c2"].Detail["kind"])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HandshakeRejections.WithLabelValues("IpBlocked")))
}
