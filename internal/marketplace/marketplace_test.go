package marketplace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
	"github.com/clawbernetes/clawbernetes-sub007/internal/reputation"
)

func TestScoreSaturatesAtZero(t *testing.T) {
	assert.Equal(t, 0, score(0.1, 1000))
	assert.Greater(t, score(0.9, 1), 0)
}

func TestPostOrderDoesNotAutoExecute(t *testing.T) {
	rep := reputation.New(500, nil)
	b := New(rep, nil)
	b.PostOffer(ids.NewNodeID(), 4, 50, time.Hour)

	ord := b.PostOrder("buyer-1", 4, 200, time.Hour)
	assert.True(t, ord.Open, "posting an order must never auto-close it via matching")

	offers := b.ListOffers()
	require.Len(t, offers, 1)
	assert.True(t, offers[0].Open, "posting an order must never auto-close a candidate offer")
}

func TestFindMatchesRanksCheaperOfferHigherAtEqualReputation(t *testing.T) {
	rep := reputation.New(500, nil)
	b := New(rep, nil)

	nodeA := ids.NewNodeID()
	nodeB := ids.NewNodeID()
	b.PostOffer(nodeA, 4, 100, time.Hour)
	b.PostOffer(nodeB, 4, 50, time.Hour)

	ord := b.PostOrder("buyer-1", 4, 200, time.Hour)
	matches, err := b.FindMatches(ord.ID)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, nodeB, matches[0].NodeID, "cheaper offer at equal reputation should rank first")
}

func TestFindMatchesEmptyWhenNoOfferMeetsGPUFloor(t *testing.T) {
	rep := reputation.New(500, nil)
	b := New(rep, nil)
	b.PostOffer(ids.NewNodeID(), 2, 50, time.Hour)

	ord := b.PostOrder("buyer", 4, 1000, time.Hour)
	matches, err := b.FindMatches(ord.ID)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindMatchesRespectsPriceCeiling(t *testing.T) {
	rep := reputation.New(500, nil)
	b := New(rep, nil)
	b.PostOffer(ids.NewNodeID(), 4, 500, time.Hour)

	ord := b.PostOrder("buyer", 4, 100, time.Hour)
	matches, err := b.FindMatches(ord.ID)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindMatchesUnknownOrderNotFound(t *testing.T) {
	rep := reputation.New(500, nil)
	b := New(rep, nil)
	_, err := b.FindMatches(ids.NewOrderID())
	assert.IsType(t, ErrNotFound{}, err)
}

func TestAcceptClosesBothSides(t *testing.T) {
	rep := reputation.New(500, nil)
	b := New(rep, nil)
	offer := b.PostOffer(ids.NewNodeID(), 4, 50, time.Hour)
	ord := b.PostOrder("buyer", 4, 1000, time.Hour)

	match, err := b.Accept(ord.ID, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, offer.ID, match.Offer)

	offers := b.ListOffers()
	require.Len(t, offers, 1)
	assert.False(t, offers[0].Open)

	orders := b.ListOrders()
	require.Len(t, orders, 1)
	assert.False(t, orders[0].Open)
}

func TestAcceptRejectsOfferBelowGPUFloor(t *testing.T) {
	rep := reputation.New(500, nil)
	b := New(rep, nil)
	offer := b.PostOffer(ids.NewNodeID(), 2, 50, time.Hour)
	ord := b.PostOrder("buyer", 4, 1000, time.Hour)

	_, err := b.Accept(ord.ID, offer.ID)
	assert.Error(t, err)

	offers := b.ListOffers()
	assert.True(t, offers[0].Open, "a rejected Accept must not close the offer")
}

func TestAcceptRejectsAlreadyClosedOffer(t *testing.T) {
	rep := reputation.New(500, nil)
	b := New(rep, nil)
	offer := b.PostOffer(ids.NewNodeID(), 4, 50, time.Hour)
	ord := b.PostOrder("buyer", 4, 1000, time.Hour)
	require.NoError(t, b.CancelOffer(offer.ID))

	_, err := b.Accept(ord.ID, offer.ID)
	assert.Error(t, err)
}

func TestAcceptUnknownOrderOrOfferNotFound(t *testing.T) {
	rep := reputation.New(500, nil)
	b := New(rep, nil)
	offer := b.PostOffer(ids.NewNodeID(), 4, 50, time.Hour)

	_, err := b.Accept(ids.NewOrderID(), offer.ID)
	assert.IsType(t, ErrNotFound{}, err)

	ord := b.PostOrder("buyer", 4, 1000, time.Hour)
	_, err = b.Accept(ord.ID, ids.NewOfferID())
	assert.IsType(t, ErrNotFound{}, err)
}

func TestCancelOfferRemovesFromMatching(t *testing.T) {
	rep := reputation.New(500, nil)
	b := New(rep, nil)
	offer := b.PostOffer(ids.NewNodeID(), 4, 50, time.Hour)
	require.NoError(t, b.CancelOffer(offer.ID))

	ord := b.PostOrder("buyer", 4, 1000, time.Hour)
	matches, err := b.FindMatches(ord.ID)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCancelUnknownOfferNotFound(t *testing.T) {
	rep := reputation.New(500, nil)
	b := New(rep, nil)
	err := b.CancelOffer(ids.NewOfferID())
	assert.IsType(t, ErrNotFound{}, err)
}

func TestSweepExpiredClosesPastExpiry(t *testing.T) {
	rep := reputation.New(500, nil)
	b := New(rep, nil)
	b.PostOffer(ids.NewNodeID(), 4, 50, -time.Second) // already expired

	closed := b.SweepExpired()
	assert.Equal(t, 1, closed)

	offers := b.ListOffers()
	require.Len(t, offers, 1)
	assert.False(t, offers[0].Open)
}
