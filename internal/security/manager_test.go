// ABOUTME: Tests for the security manager checks and counters

package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stffns/QAI/internal/auth"
	"github.com/stffns/QAI/internal/protocol"
)

func newTestManager(t *testing.T, anonymous bool) (*Manager, *auth.Issuer) {
	t.Helper()
	mock := newMock()
	issuer, err := auth.NewIssuer(auth.IssuerConfig{Secret: []byte("0123456789abcdef0123456789abcdef"), Clock: mock})
	require.NoError(t, err)
	ips, err := NewIPFilter([]string{"6.6.6.6"})
	require.NoError(t, err)
	m := NewManager(ManagerConfig{
		Tokens:         issuer,
		Limiter:        NewRateLimiter(RateLimitConfig{Limit: 1, Window: time.Minute}, mock),
		Origins:        NewOriginPolicy(true, []string{"http://ok.example"}, false),
		IPs:            ips,
		AllowAnonymous: anonymous,
	})
	return m, issuer
}

func TestManager_ErrorKinds(t *testing.T) {
	m, _ := newTestManager(t, false)

	assert.Equal(t, protocol.KindCorsRejected, protocol.KindOf(m.CheckOrigin("http://evil.example")))
	assert.Equal(t, protocol.KindIPBlocked, protocol.KindOf(m.CheckIP("6.6.6.6")))
	assert.Equal(t, 1, m.RemainingRequests("ip:1.1.1.1"))
	assert.NoError(t, m.CheckRate("ip:1.1.1.1"))
	assert.Equal(t, 0, m.RemainingRequests("ip:1.1.1.1"))

	err := m.CheckRate("ip:1.1.1.1")
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.KindRateLimited, pe.Kind)
	assert.Greater(t, pe.RetryAfter, time.Duration(0))

	_, err = m.Authenticate("")
	assert.Equal(t, protocol.KindAuthRequired, protocol.KindOf(err))
	_, err = m.Authenticate("garbage")
	assert.Equal(t, protocol.KindInvalidSignature, protocol.KindOf(err))

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.OriginRejections)
	assert.Equal(t, int64(1), stats.BlockedAttempts)
	assert.Equal(t, int64(1), stats.RateLimitHits)
	assert.Equal(t, int64(2), stats.AuthFailures)
}

func TestManager_Authenticate(t *testing.T) {
	m, _ := newTestManager(t, false)

	token, _, err := m.IssueToken("u1")
	require.NoError(t, err)
	id, err := m.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.Subject)
	assert.Equal(t, int64(1), m.Stats().AuthSuccesses)
}

func TestManager_AnonymousAllowed(t *testing.T) {
	m, _ := newTestManager(t, true)

	id, err := m.Authenticate("")
	assert.NoError(t, err)
	assert.Nil(t, id)

	// a presented token is still checked
	_, err = m.Authenticate("garbage")
	assert.Equal(t, protocol.KindInvalidSignature, protocol.KindOf(err))
}

func TestManager_NoLimiterAllowsEverything(t *testing.T) {
	m := NewManager(ManagerConfig{})
	for i := 0; i < 100; i++ {
		require.NoError(t, m.CheckRate("ip:1.1.1.1"))
	}
	assert.NoError(t, m.CheckOrigin(""))
	assert.NoError(t, m.CheckIP("6.6.6.6"))
	assert.Equal(t, -1, m.RemainingRequests("ip:1.1.1.1"))
}
