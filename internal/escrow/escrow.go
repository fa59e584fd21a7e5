// Package escrow implements the fund-custody state machine of §4.4:
// Created -> Funded -> {Released | Refunded}, with a Disputed branch
// reachable from Funded. The escrow account holds no actual currency —
// amounts are integer cents bookkeeping, settlement against a real
// payment rail is out of scope per the marketplace's non-goals.
package escrow

import (
	"fmt"
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes-sub007/internal/audit"
	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
	"github.com/clawbernetes/clawbernetes-sub007/internal/reputation"
)

// State is an escrow account's position in its lifecycle.
type State string

const (
	Created  State = "Created"
	Funded   State = "Funded"
	Disputed State = "Disputed"
	Released State = "Released"
	Refunded State = "Refunded"
)

func (s State) Terminal() bool { return s == Released || s == Refunded }

// legalTransitions mirrors workload.legalTransitions in spirit: one map
// naming every edge, so an illegal move is a compile-visible bug rather
// than a state that quietly skipped a step.
var legalTransitions = map[State]map[State]bool{
	Created:  {Funded: true},
	Funded:   {Released: true, Refunded: true, Disputed: true},
	Disputed: {Released: true, Refunded: true},
	Released: {},
	Refunded: {},
}

func canTransition(from, to State) bool { return legalTransitions[from][to] }

// Account is one escrow's full record.
type Account struct {
	ID        ids.EscrowID
	Order     ids.OrderID
	Offer     ids.OfferID
	NodeID    ids.NodeID
	AmountCts uint64
	FeeCts    uint64 // set on Release: the marketplace's cut of AmountCts
	PayoutCts uint64 // set on Release: AmountCts - FeeCts, paid to the provider
	State     State
	CreatedAt time.Time
	FundedAt  *time.Time
	ClosedAt  *time.Time
	ExpiresAt time.Time
}

// ErrNotFound is returned when an escrow ID is unknown.
type ErrNotFound struct{ ID ids.EscrowID }

func (e ErrNotFound) Error() string { return fmt.Sprintf("escrow %s not found", e.ID) }

// ErrInvalidTransition is returned when a state change is illegal.
type ErrInvalidTransition struct {
	ID       ids.EscrowID
	From, To State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("escrow %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// Checkpointer persists escrow account snapshots.
type Checkpointer interface {
	Checkpoint(store string, snapshot []Account)
}

// Engine is the concurrency-safe escrow ledger.
type Engine struct {
	mu            sync.Mutex
	accounts      map[ids.EscrowID]*Account
	reputation    *reputation.Tracker
	audit         *audit.Log
	checkpoint    Checkpointer
	fundWindow    time.Duration
	feeBps        int
	walletCts     uint64
}

// New creates an escrow engine. fundWindow bounds how long a Created
// escrow may wait for funding before the sweeper expires it to
// Refunded when the caller doesn't supply an explicit expiry. feeBps is
// the marketplace's cut of every Release, in basis points (500 = 5%).
func New(rep *reputation.Tracker, auditLog *audit.Log, checkpoint Checkpointer, fundWindow time.Duration, feeBps int) *Engine {
	if fundWindow <= 0 {
		fundWindow = 10 * time.Minute
	}
	return &Engine{
		accounts:   make(map[ids.EscrowID]*Account),
		reputation: rep,
		audit:      auditLog,
		checkpoint: checkpoint,
		fundWindow: fundWindow,
		feeBps:     feeBps,
	}
}

// Open creates a new Created-state escrow for a matched order/offer
// pair. expiresAt governs both the funding-window timeout (while
// Created) and the post-funding auto-refund deadline (while Funded,
// per §4.4's expiry sweep); a zero value defaults to now+fundWindow.
func (e *Engine) Open(order ids.OrderID, offer ids.OfferID, node ids.NodeID, amountCts uint64, expiresAt time.Time) Account {
	now := time.Now()
	if expiresAt.IsZero() {
		expiresAt = now.Add(e.fundWindow)
	}
	a := Account{
		ID:        ids.NewEscrowID(),
		Order:     order,
		Offer:     offer,
		NodeID:    node,
		AmountCts: amountCts,
		State:     Created,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	e.mu.Lock()
	e.accounts[a.ID] = &a
	e.mu.Unlock()

	e.audit.Record(audit.Entry{Action: "escrow_open", Subject: a.ID.String(), Allowed: true})
	e.checkpointAsync()
	return a
}

// WalletBalanceCts returns the marketplace wallet's accumulated fee
// revenue from every Release so far.
func (e *Engine) WalletBalanceCts() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.walletCts
}

// Fund transitions Created -> Funded, confirming the requester's funds
// are held.
func (e *Engine) Fund(id ids.EscrowID) error {
	return e.transition(id, Funded, "escrow_fund", "")
}

// Dispute transitions Funded -> Disputed, freezing release pending
// manual/operator resolution.
func (e *Engine) Dispute(id ids.EscrowID, reason string) error {
	return e.transition(id, Disputed, "escrow_dispute", reason)
}

// Release transitions Funded or Disputed -> Released, paying the
// provider its amount minus the marketplace fee, crediting the
// remainder to the marketplace wallet, and crediting reputation
// success.
func (e *Engine) Release(id ids.EscrowID) error {
	if err := e.transition(id, Released, "escrow_release", ""); err != nil {
		return err
	}

	e.mu.Lock()
	a := e.accounts[id]
	fee := a.AmountCts * uint64(e.feeBps) / 10000
	payout := a.AmountCts - fee
	a.FeeCts = fee
	a.PayoutCts = payout
	e.walletCts += fee
	node := a.NodeID
	e.mu.Unlock()

	e.audit.Record(audit.Entry{
		Action:  "escrow_payout",
		Subject: id.String(),
		Allowed: true,
		Detail:  fmt.Sprintf("payout=%d fee=%d", payout, fee),
	})
	e.reputation.RecordSuccess(node)
	return nil
}

// Refund transitions Created, Funded or Disputed -> Refunded, returning
// funds to the requester and debiting reputation failure (except when
// refunded directly from Created, which reflects a funding timeout
// rather than a node-side failure and does not penalize anyone).
func (e *Engine) Refund(id ids.EscrowID, reason string) error {
	e.mu.Lock()
	a, ok := e.accounts[id]
	var fromCreated bool
	var node ids.NodeID
	if ok {
		fromCreated = a.State == Created
		node = a.NodeID
	}
	e.mu.Unlock()

	// Created->Refunded is not in legalTransitions; allow it explicitly
	// here for any refund of an unfunded escrow, whether it comes from the
	// funding-timeout sweeper or a direct Refund call.
	if fromCreated {
		if err := e.forceTransition(id, Refunded, "escrow_refund_unfunded", reason); err != nil {
			return err
		}
		return nil
	}

	if err := e.transition(id, Refunded, "escrow_refund", reason); err != nil {
		return err
	}
	e.reputation.RecordFailure(node)
	return nil
}

func (e *Engine) transition(id ids.EscrowID, to State, action, detail string) error {
	e.mu.Lock()
	a, ok := e.accounts[id]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound{id}
	}
	from := a.State
	if !canTransition(from, to) {
		e.mu.Unlock()
		return ErrInvalidTransition{ID: id, From: from, To: to}
	}
	a.State = to
	now := time.Now()
	if to == Funded {
		a.FundedAt = &now
	}
	if to.Terminal() {
		a.ClosedAt = &now
	}
	e.mu.Unlock()

	e.audit.Record(audit.Entry{Action: action, Subject: id.String(), Allowed: true, Detail: detail})
	e.checkpointAsync()
	return nil
}

// forceTransition is used by Refund for every refund of an unfunded
// escrow (from the funding-timeout sweeper or a direct call), which
// needs Created->Refunded — an edge kept out of legalTransitions.
func (e *Engine) forceTransition(id ids.EscrowID, to State, action, detail string) error {
	e.mu.Lock()
	a, ok := e.accounts[id]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound{id}
	}
	if a.State.Terminal() {
		e.mu.Unlock()
		return ErrInvalidTransition{ID: id, From: a.State, To: to}
	}
	a.State = to
	now := time.Now()
	a.ClosedAt = &now
	e.mu.Unlock()

	e.audit.Record(audit.Entry{Action: action, Subject: id.String(), Allowed: true, Detail: detail})
	e.checkpointAsync()
	return nil
}

// Get returns one escrow account.
func (e *Engine) Get(id ids.EscrowID) (Account, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// List returns every escrow account.
func (e *Engine) List() []Account {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Account, 0, len(e.accounts))
	for _, a := range e.accounts {
		out = append(out, *a)
	}
	return out
}

// SweepExpired refunds any Created escrow whose funding window elapsed
// without being funded, and any Funded escrow past its expires_at that
// was never released or disputed, per §4.4's periodic expiry sweep.
func (e *Engine) SweepExpired() int {
	now := time.Now()

	e.mu.Lock()
	var unfunded, funded []ids.EscrowID
	for id, a := range e.accounts {
		if now.After(a.ExpiresAt) {
			switch a.State {
			case Created:
				unfunded = append(unfunded, id)
			case Funded:
				funded = append(funded, id)
			}
		}
	}
	e.mu.Unlock()

	for _, id := range unfunded {
		e.Refund(id, "funding window expired")
	}
	for _, id := range funded {
		e.Refund(id, "escrow expired before release")
	}
	return len(unfunded) + len(funded)
}

func (e *Engine) checkpointAsync() {
	if e.checkpoint == nil {
		return
	}
	go e.checkpoint.Checkpoint("escrows", e.List())
}
