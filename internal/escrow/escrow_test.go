package escrow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawbernetes/clawbernetes-sub007/internal/audit"
	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
	"github.com/clawbernetes/clawbernetes-sub007/internal/reputation"
)

func newEngine(fundWindow time.Duration, feeBps int) (*Engine, *reputation.Tracker) {
	rep := reputation.New(500, nil)
	return New(rep, audit.New(1000, nil), nil, fundWindow, feeBps), rep
}

// Scenario 5 — escrow happy path (spec §8): 1000 lamports, 5% fee, the
// provider receives 950 and the marketplace wallet receives 50.
func TestScenario5HappyPath(t *testing.T) {
	e, rep := newEngine(time.Minute, 500)
	node := ids.NewNodeID()
	a := e.Open(ids.NewOrderID(), ids.NewOfferID(), node, 1000, time.Time{})
	assert.Equal(t, Created, a.State)

	require.NoError(t, e.Fund(a.ID))
	got, _ := e.Get(a.ID)
	assert.Equal(t, Funded, got.State)

	require.NoError(t, e.Release(a.ID))
	got, _ = e.Get(a.ID)
	assert.Equal(t, Released, got.State)
	assert.True(t, got.State.Terminal())
	assert.Equal(t, uint64(50), got.FeeCts)
	assert.Equal(t, uint64(950), got.PayoutCts)
	assert.Equal(t, uint64(50), e.WalletBalanceCts())

	assert.Greater(t, rep.Get(node).Successes, uint64(0))
}

// Scenario 6 — escrow expiry (spec §8): fund an escrow with
// expires_at = now+1ms, wait 5ms, invoke the sweeper; the buyer gets the
// full amount back, the provider gets nothing, no fee is charged.
func TestScenario6ExpirySweepRefundsFundedEscrow(t *testing.T) {
	e, _ := newEngine(time.Minute, 500)
	node := ids.NewNodeID()
	a := e.Open(ids.NewOrderID(), ids.NewOfferID(), node, 1000, time.Now().Add(time.Millisecond))
	require.NoError(t, e.Fund(a.ID))

	time.Sleep(5 * time.Millisecond)
	refunded := e.SweepExpired()
	assert.Equal(t, 1, refunded)

	got, _ := e.Get(a.ID)
	assert.Equal(t, Refunded, got.State)
	assert.Equal(t, uint64(0), got.FeeCts, "an expired, unreleased escrow must not charge a fee")
	assert.Equal(t, uint64(0), e.WalletBalanceCts())
}

func TestSweepExpiredRefundsUnfundedEscrowWithNoReputationPenalty(t *testing.T) {
	e, rep := newEngine(time.Millisecond, 500)
	node := ids.NewNodeID()
	a := e.Open(ids.NewOrderID(), ids.NewOfferID(), node, 1000, time.Time{})

	time.Sleep(5 * time.Millisecond)
	refunded := e.SweepExpired()
	assert.Equal(t, 1, refunded)

	got, _ := e.Get(a.ID)
	assert.Equal(t, Refunded, got.State)
	assert.Equal(t, uint64(0), rep.Get(node).Failures, "funding timeout must not penalize reputation")
}

func TestRefundFromFundedPenalizesProviderReputation(t *testing.T) {
	e, rep := newEngine(time.Minute, 500)
	node := ids.NewNodeID()
	a := e.Open(ids.NewOrderID(), ids.NewOfferID(), node, 1000, time.Time{})
	require.NoError(t, e.Fund(a.ID))

	require.NoError(t, e.Refund(a.ID, "provider never delivered"))

	assert.Equal(t, uint64(1), rep.Get(node).Failures)
}

func TestIllegalTransitionRejected(t *testing.T) {
	e, _ := newEngine(time.Minute, 500)
	node := ids.NewNodeID()
	a := e.Open(ids.NewOrderID(), ids.NewOfferID(), node, 1000, time.Time{})

	err := e.Release(a.ID) // Created -> Released is illegal
	assert.IsType(t, ErrInvalidTransition{}, err)
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	e, _ := newEngine(time.Minute, 500)
	node := ids.NewNodeID()
	a := e.Open(ids.NewOrderID(), ids.NewOfferID(), node, 1000, time.Time{})
	require.NoError(t, e.Fund(a.ID))
	require.NoError(t, e.Release(a.ID))

	err := e.Refund(a.ID, "too late")
	assert.IsType(t, ErrInvalidTransition{}, err)
}

func TestDisputeThenRefund(t *testing.T) {
	e, _ := newEngine(time.Minute, 500)
	node := ids.NewNodeID()
	a := e.Open(ids.NewOrderID(), ids.NewOfferID(), node, 1000, time.Time{})
	require.NoError(t, e.Fund(a.ID))
	require.NoError(t, e.Dispute(a.ID, "quality complaint"))

	got, _ := e.Get(a.ID)
	assert.Equal(t, Disputed, got.State)

	require.NoError(t, e.Refund(a.ID, "resolved in buyer's favor"))
	got, _ = e.Get(a.ID)
	assert.Equal(t, Refunded, got.State)
}

func TestGetUnknownEscrowNotFound(t *testing.T) {
	e, _ := newEngine(time.Minute, 500)
	_, ok := e.Get(ids.NewEscrowID())
	assert.False(t, ok)
}
