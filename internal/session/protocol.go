// Package session is the gateway's WebSocket layer: it accepts
// connections from node agents and operator CLIs over one listener,
// multiplexes both protocols on the same framing, and turns inbound
// frames into calls against the registry and workload manager.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawbernetes/clawbernetes-sub007/internal/registry"
	"github.com/clawbernetes/clawbernetes-sub007/internal/workload"
)

// DefaultOfferTTL/DefaultOrderTTL bound how long a posted offer or order
// stays open when the caller doesn't specify one, per §6's `molt` CLI
// surface (which takes no TTL flag).
const (
	DefaultOfferTTL = time.Hour
	DefaultOrderTTL = time.Hour
)

// Kind discriminates the JSON envelope's "type" field, per §6. Every
// frame on the wire is a single JSON object carrying this tag; binary
// frames and frames missing the tag are protocol errors.
type Kind string

const (
	// node agent -> gateway
	KindRegisterNode     Kind = "register_node"
	KindHeartbeat        Kind = "heartbeat"
	KindRefreshCaps      Kind = "refresh_capabilities"
	KindWorkloadUpdate   Kind = "workload_update"
	KindWorkloadLog      Kind = "workload_log"

	// gateway -> node agent
	KindRegistered    Kind = "registered"
	KindStartWorkload Kind = "start_workload"
	KindStopWorkload  Kind = "stop_workload"

	// operator CLI -> gateway
	KindSubmitWorkload Kind = "submit_workload"
	KindCancelWorkload Kind = "cancel_workload"
	KindListNodes      Kind = "list_nodes"
	KindListWorkloads  Kind = "list_workloads"
	KindSetDraining    Kind = "set_draining"
	KindGetLogs        Kind = "get_logs"

	// operator CLI -> gateway: marketplace (§4.4, `molt` subcommands)
	KindPostOffer    Kind = "post_offer"
	KindPostOrder    Kind = "post_order"
	KindFindMatches  Kind = "find_matches"
	KindAcceptMatch  Kind = "accept_match"
	KindCancelOffer  Kind = "cancel_offer"
	KindCancelOrder  Kind = "cancel_order"
	KindListOffers   Kind = "list_offers"
	KindListOrders   Kind = "list_orders"

	// operator CLI -> gateway: escrow (§4.4)
	KindEscrowOpen    Kind = "escrow_open"
	KindEscrowFund    Kind = "escrow_fund"
	KindEscrowRelease Kind = "escrow_release"
	KindEscrowRefund  Kind = "escrow_refund"
	KindEscrowDispute Kind = "escrow_dispute"
	KindEscrowGet     Kind = "escrow_get"
	KindListEscrows   Kind = "list_escrows"

	// operator CLI -> gateway: secrets (§4.5, `secret` subcommands)
	KindSecretPut    Kind = "secret_put"
	KindSecretGet    Kind = "secret_get"
	KindSecretRotate Kind = "secret_rotate"
	KindSecretDelete Kind = "secret_delete"
	KindSecretList   Kind = "secret_list"

	// gateway -> operator CLI
	KindAck   Kind = "ack"
	KindError Kind = "error"
	KindEvent Kind = "event"

	// error, either direction
	KindProtocolError Kind = "protocol_error"
)

// Envelope is the outer shape every frame shares: a type tag plus a
// raw payload decoded once the type is known.
type Envelope struct {
	Type      Kind            `json:"type"`
	ID        string          `json:"id,omitempty"` // correlation id for CLI request/response
	Version   int             `json:"version,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ProtocolError is returned to the peer and logged when a frame fails
// to decode or carries an unsupported version, per §6/§7.
type ProtocolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ProtocolError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// --- node agent -> gateway payloads ---

type RegisterNodePayload struct {
	NodeID       string                      `json:"node_id"`
	Name         string                      `json:"name"`
	Capabilities registry.NodeCapabilities   `json:"capabilities"`
}

type HeartbeatPayload struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

type RefreshCapabilitiesPayload struct {
	NodeID       string                    `json:"node_id"`
	Capabilities registry.NodeCapabilities `json:"capabilities"`
}

type WorkloadUpdatePayload struct {
	WorkloadID string         `json:"workload_id"`
	State      workload.State `json:"state"`
	Message    string         `json:"message,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type WorkloadLogPayload struct {
	WorkloadID string   `json:"workload_id"`
	Stderr     bool     `json:"stderr"`
	Lines      []string `json:"lines"`
}

// --- gateway -> node agent payloads ---

type RegisteredPayload struct {
	NodeID               string `json:"node_id"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec"`
	MetricsIntervalSec   int    `json:"metrics_interval_sec"`
	ProtocolVersion      int    `json:"protocol_version"`
}

type StartWorkloadPayload struct {
	WorkloadID string         `json:"workload_id"`
	Spec       workload.Spec  `json:"spec"`
	GPUIndices []int          `json:"gpu_indices"`
}

type StopWorkloadPayload struct {
	WorkloadID     string `json:"workload_id"`
	GracePeriodSec int    `json:"grace_period_sec"`
}

// --- operator CLI -> gateway payloads ---

type SubmitWorkloadPayload struct {
	Spec workload.Spec `json:"spec"`
}

type CancelWorkloadPayload struct {
	WorkloadID string `json:"workload_id"`
}

type SetDrainingPayload struct {
	NodeID   string `json:"node_id"`
	Draining bool   `json:"draining"`
}

type GetLogsPayload struct {
	WorkloadID string `json:"workload_id"`
	Tail       int    `json:"tail"`
	StderrOnly bool   `json:"stderr_only"`
}

// --- operator CLI -> gateway: marketplace payloads ---

type PostOfferPayload struct {
	NodeID     string `json:"node_id"`
	GPUCount   uint32 `json:"gpu_count"`
	PricePerHr uint64 `json:"price_per_hr"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type PostOrderPayload struct {
	Requester     string `json:"requester"`
	GPUCount      uint32 `json:"gpu_count"`
	MaxPricePerHr uint64 `json:"max_price_per_hr"`
	TTLSeconds    int    `json:"ttl_seconds"`
}

type FindMatchesPayload struct {
	OrderID string `json:"order_id"`
}

type AcceptMatchPayload struct {
	OrderID string `json:"order_id"`
	OfferID string `json:"offer_id"`
}

type CancelOfferPayload struct {
	OfferID string `json:"offer_id"`
}

type CancelOrderPayload struct {
	OrderID string `json:"order_id"`
}

// --- operator CLI -> gateway: escrow payloads ---

type EscrowOpenPayload struct {
	OrderID   string    `json:"order_id"`
	OfferID   string    `json:"offer_id"`
	NodeID    string    `json:"node_id"`
	AmountCts uint64    `json:"amount_cts"`
	ExpiresAt time.Time `json:"expires_at"`
}

type EscrowIDPayload struct {
	EscrowID string `json:"escrow_id"`
}

type EscrowReasonPayload struct {
	EscrowID string `json:"escrow_id"`
	Reason   string `json:"reason"`
}

// --- operator CLI -> gateway: secret payloads ---

type SecretPutPayload struct {
	Name       string   `json:"name"`
	Ciphertext []byte   `json:"ciphertext"`
	OwnerNode  string   `json:"owner_node"`
	AllowedIDs []string `json:"allowed_workload_ids,omitempty"`
}

type SecretGetPayload struct {
	SecretID    string `json:"secret_id"`
	RequesterID string `json:"requester_workload_id"`
}

type SecretRotatePayload struct {
	SecretID   string `json:"secret_id"`
	Ciphertext []byte `json:"ciphertext"`
}

type SecretDeletePayload struct {
	SecretID string `json:"secret_id"`
}

// --- gateway -> operator CLI payloads ---

type AckPayload struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type EventPayload struct {
	Kind string          `json:"kind"` // "node_health", "workload_state", ...
	Data json.RawMessage `json:"data"`
}

func errEnvelope(id string, pe ProtocolError) Envelope {
	b, _ := json.Marshal(ErrorPayload{Code: pe.Code, Message: pe.Message})
	return Envelope{Type: KindError, ID: id, Payload: b}
}

func ackEnvelope(id string, result interface{}) Envelope {
	var raw json.RawMessage
	if result != nil {
		raw, _ = json.Marshal(result)
	}
	b, _ := json.Marshal(AckPayload{Result: raw})
	return Envelope{Type: KindAck, ID: id, Payload: b}
}
