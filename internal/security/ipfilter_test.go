// ABOUTME: Tests for the IP deny-list and its persisted entries

package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlockStore struct {
	ips map[string]string
}

func (s *memBlockStore) BlockIP(_ context.Context, ip, reason string) error {
	s.ips[ip] = reason
	return nil
}

func (s *memBlockStore) UnblockIP(_ context.Context, ip string) error {
	delete(s.ips, ip)
	return nil
}

func (s *memBlockStore) ListBlockedIPs(_ context.Context) ([]string, error) {
	out := make([]string, 0, len(s.ips))
	for ip := range s.ips {
		out = append(out, ip)
	}
	return out, nil
}

func TestIPFilter_CheckAndCanonicalForm(t *testing.T) {
	f, err := NewIPFilter([]string{"10.0.0.1"})
	require.NoError(t, err)

	assert.True(t, errors.Is(f.Check("10.0.0.1"), ErrIPBlocked))
	assert.True(t, errors.Is(f.Check("::ffff:10.0.0.1"), ErrIPBlocked))
	assert.NoError(t, f.Check("10.0.0.2"))
	assert.NoError(t, f.Check("not-an-ip"))
}

func TestIPFilter_RejectsInvalidSeed(t *testing.T) {
	_, err := NewIPFilter([]string{"999.1.1.1"})
	assert.Error(t, err)
}

func TestIPFilter_BlockUnblockPersists(t *testing.T) {
	ctx := context.Background()
	store := &memBlockStore{ips: map[string]string{"192.168.1.9": "abuse"}}

	f, err := NewIPFilter(nil)
	require.NoError(t, err)
	require.NoError(t, f.Attach(ctx, store))
	assert.Error(t, f.Check("192.168.1.9"))

	require.NoError(t, f.Block(ctx, "2001:db8::1", "scanner"))
	assert.Equal(t, "scanner", store.ips["2001:db8::1"])
	assert.Error(t, f.Check("2001:db8::1"))

	require.NoError(t, f.Unblock(ctx, "192.168.1.9"))
	assert.NoError(t, f.Check("192.168.1.9"))
	assert.NotContains(t, store.ips, "192.168.1.9")
	assert.Equal(t, []string{"2001:db8::1"}, f.Blocked())
}
