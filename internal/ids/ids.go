// Package ids defines the opaque identifier types shared across the
// cluster core: nodes, workloads, marketplace orders/offers, escrows and
// secrets. All identifiers are UUID-backed, parseable, and compare by
// identity only.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeID identifies a registered cluster node.
type NodeID uuid.UUID

// WorkloadID identifies a tracked workload.
type WorkloadID uuid.UUID

// OfferID identifies a marketplace capacity offer.
type OfferID uuid.UUID

// OrderID identifies a marketplace job order.
type OrderID uuid.UUID

// EscrowID identifies an escrow account.
type EscrowID uuid.UUID

// SecretID identifies a stored secret.
type SecretID uuid.UUID

// the following generate/parse/string/json pairs are intentionally
// repetitive — one opaque ID type per entity keeps accidental type
// confusion (passing a WorkloadID where a NodeID is expected) a compile
// error instead of a runtime bug.

// NewNodeID generates a fresh random node identifier.
func NewNodeID() NodeID { return NodeID(uuid.New()) }

// ParseNodeID parses a canonical UUID string into a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return NodeID(u), nil
}

func (id NodeID) String() string       { return uuid.UUID(id).String() }
func (id NodeID) IsZero() bool         { return id == NodeID{} }
func (id NodeID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *NodeID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = NodeID(u)
	return nil
}
func NewWorkloadID() WorkloadID { return WorkloadID(uuid.New()) }

func ParseWorkloadID(s string) (WorkloadID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return WorkloadID{}, fmt.Errorf("invalid workload id %q: %w", s, err)
	}
	return WorkloadID(u), nil
}

func (id WorkloadID) String() string       { return uuid.UUID(id).String() }
func (id WorkloadID) IsZero() bool         { return id == WorkloadID{} }
func (id WorkloadID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *WorkloadID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = WorkloadID(u)
	return nil
}

func NewOfferID() OfferID { return OfferID(uuid.New()) }

func ParseOfferID(s string) (OfferID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return OfferID{}, fmt.Errorf("invalid offer id %q: %w", s, err)
	}
	return OfferID(u), nil
}

func (id OfferID) String() string       { return uuid.UUID(id).String() }
func (id OfferID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *OfferID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = OfferID(u)
	return nil
}

func NewOrderID() OrderID { return OrderID(uuid.New()) }

func ParseOrderID(s string) (OrderID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return OrderID{}, fmt.Errorf("invalid order id %q: %w", s, err)
	}
	return OrderID(u), nil
}

func (id OrderID) String() string       { return uuid.UUID(id).String() }
func (id OrderID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *OrderID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = OrderID(u)
	return nil
}

func NewEscrowID() EscrowID { return EscrowID(uuid.New()) }

func ParseEscrowID(s string) (EscrowID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return EscrowID{}, fmt.Errorf("invalid escrow id %q: %w", s, err)
	}
	return EscrowID(u), nil
}

func (id EscrowID) String() string       { return uuid.UUID(id).String() }
func (id EscrowID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *EscrowID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = EscrowID(u)
	return nil
}

func NewSecretID() SecretID { return SecretID(uuid.New()) }

func ParseSecretID(s string) (SecretID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SecretID{}, fmt.Errorf("invalid secret id %q: %w", s, err)
	}
	return SecretID(u), nil
}

func (id SecretID) String() string       { return uuid.UUID(id).String() }
func (id SecretID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *SecretID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = SecretID(u)
	return nil
}
