// ABOUTME: Tests for the credential issuer.
// ABOUTME: Validates single-use redemption, TTL expiry, the pending cap, and concurrency.

package credential

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_RedeemOnce(t *testing.T) {
	iss := NewIssuer(0, 0)
	defer iss.Close()

	c := iss.Issue("alice")
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, 1, iss.Pending())

	got, ok := iss.Redeem(c.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", got.PrincipalID)

	_, ok = iss.Redeem(c.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, iss.Pending())
}

func TestIssuer_RedeemUnknown(t *testing.T) {
	iss := NewIssuer(0, 0)
	defer iss.Close()

	_, ok := iss.Redeem("never-issued")
	assert.False(t, ok)
}

func TestIssuer_ExpiredCredentialIsConsumed(t *testing.T) {
	iss := NewIssuer(time.Hour, 0)
	defer iss.Close()

	base := time.Now()
	iss.now = func() time.Time { return base }
	c := iss.Issue("")

	iss.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, ok := iss.Redeem(c.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, iss.Pending())
}

func TestIssuer_Sweep(t *testing.T) {
	iss := NewIssuer(time.Hour, 0)
	defer iss.Close()

	base := time.Now()
	iss.now = func() time.Time { return base }
	iss.Issue("")
	iss.Issue("")

	iss.now = func() time.Time { return base.Add(30 * time.Minute) }
	fresh := iss.Issue("")

	iss.now = func() time.Time { return base.Add(61 * time.Minute) }
	assert.Equal(t, 2, iss.Sweep())
	assert.Equal(t, 1, iss.Pending())

	_, ok := iss.Redeem(fresh.ID)
	assert.True(t, ok)
}

func TestIssuer_BackgroundSweep(t *testing.T) {
	iss := NewIssuer(20*time.Millisecond, 0)
	defer iss.Close()

	iss.Issue("")
	assert.Eventually(t, func() bool { return iss.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestIssuer_MaxPendingEvictsOldest(t *testing.T) {
	iss := NewIssuer(0, 2)
	defer iss.Close()

	oldest := iss.Issue("")
	iss.Issue("")
	iss.Issue("")

	assert.Equal(t, 2, iss.Pending())
	_, ok := iss.Redeem(oldest.ID)
	assert.False(t, ok)
}

func TestIssuer_CloseIsIdempotent(t *testing.T) {
	iss := NewIssuer(time.Minute, 0)
	iss.Close()
	iss.Close()
}

func TestIssuer_ConcurrentRedeemSucceedsOnce(t *testing.T) {
	iss := NewIssuer(0, 0)
	defer iss.Close()
	c := iss.Issue("")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := iss.Redeem(c.ID); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestIssuer_SingleUseProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("only the first redemption of each credential succeeds", prop.ForAll(
		func(issued, attempts int) bool {
			iss := NewIssuer(0, 0)
			defer iss.Close()

			creds := make([]Credential, issued)
			for i := range creds {
				creds[i] = iss.Issue("")
			}
			for _, c := range creds {
				if _, ok := iss.Redeem(c.ID); !ok {
					return false
				}
				for range attempts {
					if _, ok := iss.Redeem(c.ID); ok {
						return false
					}
				}
			}
			return iss.Pending() == 0
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
