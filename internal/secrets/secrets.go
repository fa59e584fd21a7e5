// Package secrets stores opaque per-workload secret material (API
// keys, private registry credentials) behind an access-policy
// allowlist. The cryptographic contract (Ed25519 signing, ChaCha20-
// Poly1305 sealing) is assumed to happen outside this package per §4.5
// — Record.Ciphertext is opaque bytes handed to us already sealed; this
// store only controls who may retrieve which secret and records every
// attempt.
package secrets

import (
	"fmt"
	"sync"
	"time"

	"github.com/clawbernetes/clawbernetes-sub007/internal/audit"
	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
)

// Record is one stored secret. Ciphertext is opaque to this package —
// it is produced and consumed by machinery outside clawbernetes.
type Record struct {
	ID          ids.SecretID
	Name        string
	Ciphertext  []byte
	OwnerNode   ids.NodeID
	AllowedWork []ids.WorkloadID // workloads permitted to fetch this secret
	CreatedAt   time.Time
}

// View is a read-only copy omitting ciphertext, used for listings.
type View struct {
	ID        ids.SecretID
	Name      string
	OwnerNode ids.NodeID
	CreatedAt time.Time
}

// ErrNotFound is returned when a secret ID is unknown.
type ErrNotFound struct{ ID ids.SecretID }

func (e ErrNotFound) Error() string { return fmt.Sprintf("secret %s not found", e.ID) }

// ErrAccessDenied is returned when a workload not on the allowlist
// requests a secret.
type ErrAccessDenied struct {
	SecretID   ids.SecretID
	WorkloadID ids.WorkloadID
}

func (e ErrAccessDenied) Error() string {
	return fmt.Sprintf("workload %s is not permitted to access secret %s", e.WorkloadID, e.SecretID)
}

// Checkpointer persists secret metadata (never ciphertext) snapshots.
type Checkpointer interface {
	Checkpoint(store string, snapshot []View)
}

// Store is the concurrency-safe secret directory.
type Store struct {
	mu         sync.RWMutex
	records    map[ids.SecretID]*Record
	audit      *audit.Log
	checkpoint Checkpointer
}

// New creates an empty secret store.
func New(auditLog *audit.Log, checkpoint Checkpointer) *Store {
	return &Store{
		records:    make(map[ids.SecretID]*Record),
		audit:      auditLog,
		checkpoint: checkpoint,
	}
}

// Put stores a new secret, owned by node and readable by the given
// allowlisted workloads.
func (s *Store) Put(name string, ciphertext []byte, owner ids.NodeID, allowed []ids.WorkloadID) Record {
	r := Record{
		ID:          ids.NewSecretID(),
		Name:        name,
		Ciphertext:  ciphertext,
		OwnerNode:   owner,
		AllowedWork: append([]ids.WorkloadID(nil), allowed...),
		CreatedAt:   time.Now(),
	}

	s.mu.Lock()
	s.records[r.ID] = &r
	s.mu.Unlock()

	s.audit.Record(audit.Entry{Actor: owner.String(), Action: "secret_put", Subject: r.ID.String(), Allowed: true})
	s.checkpointAsync()
	return r
}

// Get retrieves a secret's ciphertext on behalf of a requesting
// workload, enforcing the allowlist and recording every attempt
// (granted or denied) to the audit log.
func (s *Store) Get(id ids.SecretID, requester ids.WorkloadID) ([]byte, error) {
	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		s.audit.Record(audit.Entry{Actor: requester.String(), Action: "secret_get", Subject: id.String(), Allowed: false, Detail: "not found"})
		return nil, ErrNotFound{id}
	}

	permitted := len(r.AllowedWork) == 0 // empty allowlist = any workload may read
	for _, w := range r.AllowedWork {
		if w == requester {
			permitted = true
			break
		}
	}
	if !permitted {
		s.audit.Record(audit.Entry{Actor: requester.String(), Action: "secret_get", Subject: id.String(), Allowed: false, Detail: "not on allowlist"})
		return nil, ErrAccessDenied{SecretID: id, WorkloadID: requester}
	}

	s.audit.Record(audit.Entry{Actor: requester.String(), Action: "secret_get", Subject: id.String(), Allowed: true})
	return append([]byte(nil), r.Ciphertext...), nil
}

// Rotate replaces a secret's ciphertext in place, preserving its ID,
// name, owner and allowlist — §4.5's rotate operation. It updates the
// existing record rather than calling Put, which would mint a new ID, so
// a rotation is invisible to anything already holding the SecretID.
func (s *Store) Rotate(id ids.SecretID, ciphertext []byte, actor string) error {
	s.mu.Lock()
	r, ok := s.records[id]
	if ok {
		r.Ciphertext = ciphertext
	}
	s.mu.Unlock()
	if !ok {
		s.audit.Record(audit.Entry{Actor: actor, Action: "secret_rotate", Subject: id.String(), Allowed: false, Detail: "not found"})
		return ErrNotFound{id}
	}
	s.audit.Record(audit.Entry{Actor: actor, Action: "secret_rotate", Subject: id.String(), Allowed: true})
	s.checkpointAsync()
	return nil
}

// Revoke removes a secret entirely.
func (s *Store) Revoke(id ids.SecretID, actor string) error {
	s.mu.Lock()
	_, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound{id}
	}
	s.audit.Record(audit.Entry{Actor: actor, Action: "secret_revoke", Subject: id.String(), Allowed: true})
	s.checkpointAsync()
	return nil
}

// List returns metadata for every stored secret, never ciphertext.
func (s *Store) List() []View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]View, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, View{ID: r.ID, Name: r.Name, OwnerNode: r.OwnerNode, CreatedAt: r.CreatedAt})
	}
	return out
}

func (s *Store) checkpointAsync() {
	if s.checkpoint == nil {
		return
	}
	go s.checkpoint.Checkpoint("secrets", s.List())
}
