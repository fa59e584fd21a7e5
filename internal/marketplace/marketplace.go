// Package marketplace implements the capacity-offer / job-order book
// and the score-based matching algorithm of §4.4. It knows nothing
// about payment custody — matches are handed to internal/escrow, which
// owns the funds state machine.
package marketplace

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
	"github.com/clawbernetes/clawbernetes-sub007/internal/reputation"
)

// CapacityOffer is a node operator's advertisement of spare GPU
// capacity at a price.
type CapacityOffer struct {
	ID         ids.OfferID
	NodeID     ids.NodeID
	GPUCount   uint32
	PricePerHr uint64 // integer cents, avoids float money bugs
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Open       bool
}

// JobOrder is an operator's request for capacity at a maximum price.
type JobOrder struct {
	ID         ids.OrderID
	Requester  string
	GPUCount   uint32
	MaxPricePerHr uint64
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Open       bool
}

// Match pairs an order with a candidate (or, once Accept is called,
// accepted) offer. Score is carried so callers can present ranked
// candidates without recomputing against the book.
type Match struct {
	Order  ids.OrderID
	Offer  ids.OfferID
	NodeID ids.NodeID
	Price  uint64
	Score  int
}

// ErrNotFound is returned when an offer or order ID is unknown.
type ErrNotFound struct{ Kind, ID string }

func (e ErrNotFound) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

// Checkpointer persists order-book snapshots.
type Checkpointer interface {
	CheckpointOffers(snapshot []CapacityOffer)
	CheckpointOrders(snapshot []JobOrder)
}

// Book is the concurrency-safe order book plus matching engine.
type Book struct {
	mu         sync.Mutex
	offers     map[ids.OfferID]*CapacityOffer
	orders     map[ids.OrderID]*JobOrder
	reputation *reputation.Tracker
	checkpoint Checkpointer
}

// New creates an empty order book. reputation supplies the score term
// in the matching formula (score = reputation - floor(price/10)).
func New(rep *reputation.Tracker, checkpoint Checkpointer) *Book {
	return &Book{
		offers:     make(map[ids.OfferID]*CapacityOffer),
		orders:     make(map[ids.OrderID]*JobOrder),
		reputation: rep,
		checkpoint: checkpoint,
	}
}

// PostOffer adds a new open capacity offer.
func (b *Book) PostOffer(node ids.NodeID, gpus uint32, pricePerHr uint64, ttl time.Duration) CapacityOffer {
	now := time.Now()
	o := CapacityOffer{
		ID:         ids.NewOfferID(),
		NodeID:     node,
		GPUCount:   gpus,
		PricePerHr: pricePerHr,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Open:       true,
	}
	b.mu.Lock()
	b.offers[o.ID] = &o
	b.mu.Unlock()
	b.checkpointAsync()
	return o
}

// PostOrder adds a new open job order. Per §4.4, matching is
// buyer-driven: posting an order never auto-executes a trade. Call
// FindMatches to see ranked candidates and Accept to commit to one.
func (b *Book) PostOrder(requester string, gpus uint32, maxPricePerHr uint64, ttl time.Duration) JobOrder {
	now := time.Now()
	ord := JobOrder{
		ID:            ids.NewOrderID(),
		Requester:     requester,
		GPUCount:      gpus,
		MaxPricePerHr: maxPricePerHr,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Open:          true,
	}

	b.mu.Lock()
	b.orders[ord.ID] = &ord
	b.mu.Unlock()

	b.checkpointAsync()
	return ord
}

// score implements §4.4's ranking: reputation score (0-100 scale) minus
// floor(price/10), saturating at 0 so an expensive offer never scores
// negative and sorts above a cheaper, worse one purely on tie-break
// order rather than going out of range.
func score(repScore float64, pricePerHr uint64) int {
	rep100 := int(repScore * 100)
	s := rep100 - int(pricePerHr/10)
	if s < 0 {
		return 0
	}
	return s
}

// rankedMatchesLocked returns every open offer satisfying ord's
// requirements and price ceiling, highest score first, without
// mutating the book. Caller holds b.mu.
func (b *Book) rankedMatchesLocked(ord *JobOrder) []Match {
	type candidate struct {
		offer *CapacityOffer
		match Match
	}
	var candidates []candidate
	now := time.Now()

	for _, o := range b.offers {
		if !o.Open || now.After(o.ExpiresAt) {
			continue
		}
		if o.GPUCount < ord.GPUCount {
			continue
		}
		if o.PricePerHr > ord.MaxPricePerHr {
			continue
		}
		rep := b.reputation.Get(o.NodeID)
		candidates = append(candidates, candidate{
			offer: o,
			match: Match{
				Order:  ord.ID,
				Offer:  o.ID,
				NodeID: o.NodeID,
				Price:  o.PricePerHr,
				Score:  score(rep.Score(), o.PricePerHr),
			},
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].match.Score != candidates[j].match.Score {
			return candidates[i].match.Score > candidates[j].match.Score
		}
		return candidates[i].offer.CreatedAt.Before(candidates[j].offer.CreatedAt)
	})

	out := make([]Match, len(candidates))
	for i, c := range candidates {
		out[i] = c.match
	}
	return out
}

// FindMatches returns ranked candidate offers for an open order, best
// first, without committing to any of them — the read-only half of
// §4.4's buyer-driven matching.
func (b *Book) FindMatches(orderID ids.OrderID) ([]Match, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ord, ok := b.orders[orderID]
	if !ok {
		return nil, ErrNotFound{"order", orderID.String()}
	}
	if !ord.Open {
		return nil, nil
	}
	return b.rankedMatchesLocked(ord), nil
}

// Accept commits the buyer's choice of offer for an order, closing both
// sides. It re-validates the pairing against the book rather than
// trusting a candidate list the caller may be holding stale.
func (b *Book) Accept(orderID ids.OrderID, offerID ids.OfferID) (*Match, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ord, ok := b.orders[orderID]
	if !ok {
		return nil, ErrNotFound{"order", orderID.String()}
	}
	offer, ok := b.offers[offerID]
	if !ok {
		return nil, ErrNotFound{"offer", offerID.String()}
	}
	if !ord.Open {
		return nil, fmt.Errorf("order %s is no longer open", orderID)
	}
	if !offer.Open {
		return nil, fmt.Errorf("offer %s is no longer open", offerID)
	}
	now := time.Now()
	if now.After(offer.ExpiresAt) {
		return nil, fmt.Errorf("offer %s has expired", offerID)
	}
	if offer.GPUCount < ord.GPUCount {
		return nil, fmt.Errorf("offer %s does not meet order %s's GPU requirement", offerID, orderID)
	}
	if offer.PricePerHr > ord.MaxPricePerHr {
		return nil, fmt.Errorf("offer %s exceeds order %s's price ceiling", offerID, orderID)
	}

	offer.Open = false
	ord.Open = false
	rep := b.reputation.Get(offer.NodeID)

	return &Match{
		Order:  ord.ID,
		Offer:  offer.ID,
		NodeID: offer.NodeID,
		Price:  offer.PricePerHr,
		Score:  score(rep.Score(), offer.PricePerHr),
	}, nil
}

// CancelOffer closes an offer so it no longer participates in matching.
func (b *Book) CancelOffer(id ids.OfferID) error {
	b.mu.Lock()
	o, ok := b.offers[id]
	if ok {
		o.Open = false
	}
	b.mu.Unlock()
	if !ok {
		return ErrNotFound{"offer", id.String()}
	}
	b.checkpointAsync()
	return nil
}

// CancelOrder closes an order so it no longer participates in matching.
func (b *Book) CancelOrder(id ids.OrderID) error {
	b.mu.Lock()
	o, ok := b.orders[id]
	if ok {
		o.Open = false
	}
	b.mu.Unlock()
	if !ok {
		return ErrNotFound{"order", id.String()}
	}
	b.checkpointAsync()
	return nil
}

// ListOffers returns every offer, open and closed.
func (b *Book) ListOffers() []CapacityOffer {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]CapacityOffer, 0, len(b.offers))
	for _, o := range b.offers {
		out = append(out, *o)
	}
	return out
}

// ListOrders returns every order, open and closed.
func (b *Book) ListOrders() []JobOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]JobOrder, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	return out
}

// SweepExpired closes every offer/order past its expiry, called
// periodically alongside the escrow sweeper.
func (b *Book) SweepExpired() int {
	now := time.Now()
	closed := 0

	b.mu.Lock()
	for _, o := range b.offers {
		if o.Open && now.After(o.ExpiresAt) {
			o.Open = false
			closed++
		}
	}
	for _, o := range b.orders {
		if o.Open && now.After(o.ExpiresAt) {
			o.Open = false
			closed++
		}
	}
	b.mu.Unlock()

	if closed > 0 {
		b.checkpointAsync()
	}
	return closed
}

func (b *Book) checkpointAsync() {
	if b.checkpoint == nil {
		return
	}
	go b.checkpoint.CheckpointOffers(b.ListOffers())
	go b.checkpoint.CheckpointOrders(b.ListOrders())
}
