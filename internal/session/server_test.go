package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawbernetes/clawbernetes-sub007/internal/audit"
	"github.com/clawbernetes/clawbernetes-sub007/internal/escrow"
	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
	"github.com/clawbernetes/clawbernetes-sub007/internal/marketplace"
	"github.com/clawbernetes/clawbernetes-sub007/internal/registry"
	"github.com/clawbernetes/clawbernetes-sub007/internal/reputation"
	"github.com/clawbernetes/clawbernetes-sub007/internal/secrets"
)

// newTestServer builds a Server wired to real marketplace/escrow/secret
// backends (no mocks needed — all three satisfy their narrow session
// interfaces directly) and a fake peerConn that never touches a real
// socket, so handleCLIFrame can be exercised without a websocket.
func newTestServer(t *testing.T) (*Server, *peerConn) {
	t.Helper()
	reg := registry.New(time.Minute, nil)
	s := NewServer(Config{ProtocolVersion: 1}, reg, nil)

	rep := reputation.New(500, nil)
	s.SetMarketplace(marketplace.New(rep, nil))
	s.SetEscrows(escrow.New(rep, audit.New(100, nil), nil, time.Minute, 500))
	s.SetSecrets(secrets.New(audit.New(100, nil), nil))

	c := &peerConn{send: make(chan Envelope, 8), done: make(chan struct{})}
	return s, c
}

func drain(t *testing.T, c *peerConn) Envelope {
	t.Helper()
	select {
	case env := <-c.send:
		return env
	default:
		t.Fatal("expected a reply envelope, got none")
		return Envelope{}
	}
}

func mustPayload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestPostOfferAndPostOrderDoNotAutoExecute(t *testing.T) {
	s, c := newTestServer(t)
	node := ids.NewNodeID()

	s.handleCLIFrame(c, Envelope{Type: KindPostOffer, ID: "1", Payload: mustPayload(t, PostOfferPayload{
		NodeID: node.String(), GPUCount: 2, PricePerHr: 100, TTLSeconds: 60,
	})})
	offerEnv := drain(t, c)
	assert.Equal(t, KindAck, offerEnv.Type)

	s.handleCLIFrame(c, Envelope{Type: KindPostOrder, ID: "2", Payload: mustPayload(t, PostOrderPayload{
		Requester: "alice", GPUCount: 2, MaxPricePerHr: 200, TTLSeconds: 60,
	})})
	orderEnv := drain(t, c)
	assert.Equal(t, KindAck, orderEnv.Type)

	orders := s.book.ListOrders()
	require.Len(t, orders, 1)
	assert.True(t, orders[0].Open, "posting an order must not auto-execute a trade")
}

func TestFindMatchesThenAcceptClosesBothSides(t *testing.T) {
	s, c := newTestServer(t)
	node := ids.NewNodeID()

	s.handleCLIFrame(c, Envelope{Type: KindPostOffer, ID: "1", Payload: mustPayload(t, PostOfferPayload{
		NodeID: node.String(), GPUCount: 1, PricePerHr: 50, TTLSeconds: 60,
	})})
	var offerAck AckPayload
	require.NoError(t, json.Unmarshal(drain(t, c).Payload, &offerAck))
	var offer marketplace.CapacityOffer
	require.NoError(t, json.Unmarshal(offerAck.Result, &offer))

	s.handleCLIFrame(c, Envelope{Type: KindPostOrder, ID: "2", Payload: mustPayload(t, PostOrderPayload{
		Requester: "bob", GPUCount: 1, MaxPricePerHr: 100, TTLSeconds: 60,
	})})
	var orderAck AckPayload
	require.NoError(t, json.Unmarshal(drain(t, c).Payload, &orderAck))
	var order marketplace.JobOrder
	require.NoError(t, json.Unmarshal(orderAck.Result, &order))

	s.handleCLIFrame(c, Envelope{Type: KindFindMatches, ID: "3", Payload: mustPayload(t, FindMatchesPayload{OrderID: order.ID.String()})})
	var matchesAck AckPayload
	require.NoError(t, json.Unmarshal(drain(t, c).Payload, &matchesAck))
	var matches []marketplace.Match
	require.NoError(t, json.Unmarshal(matchesAck.Result, &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, offer.ID, matches[0].Offer)

	s.handleCLIFrame(c, Envelope{Type: KindAcceptMatch, ID: "4", Payload: mustPayload(t, AcceptMatchPayload{
		OrderID: order.ID.String(), OfferID: offer.ID.String(),
	})})
	acceptEnv := drain(t, c)
	assert.Equal(t, KindAck, acceptEnv.Type)

	found, err := s.book.FindMatches(order.ID)
	require.NoError(t, err)
	assert.Empty(t, found, "an accepted order is no longer open for matching")
}

func TestEscrowCLILifecycle(t *testing.T) {
	s, c := newTestServer(t)
	node := ids.NewNodeID()

	s.handleCLIFrame(c, Envelope{Type: KindEscrowOpen, ID: "1", Payload: mustPayload(t, EscrowOpenPayload{
		OrderID: ids.NewOrderID().String(), OfferID: ids.NewOfferID().String(),
		NodeID: node.String(), AmountCts: 1000,
	})})
	var openAck AckPayload
	require.NoError(t, json.Unmarshal(drain(t, c).Payload, &openAck))
	var account escrow.Account
	require.NoError(t, json.Unmarshal(openAck.Result, &account))
	assert.Equal(t, escrow.Created, account.State)

	s.handleCLIFrame(c, Envelope{Type: KindEscrowFund, ID: "2", Payload: mustPayload(t, EscrowIDPayload{EscrowID: account.ID.String()})})
	assert.Equal(t, KindAck, drain(t, c).Type)

	s.handleCLIFrame(c, Envelope{Type: KindEscrowRelease, ID: "3", Payload: mustPayload(t, EscrowIDPayload{EscrowID: account.ID.String()})})
	assert.Equal(t, KindAck, drain(t, c).Type)

	got, ok := s.escrows.Get(account.ID)
	require.True(t, ok)
	assert.Equal(t, escrow.Released, got.State)
	assert.Equal(t, uint64(50), got.FeeCts)
}

func TestSecretCLILifecycle(t *testing.T) {
	s, c := newTestServer(t)
	node := ids.NewNodeID()
	workloadID := ids.NewWorkloadID()

	s.handleCLIFrame(c, Envelope{Type: KindSecretPut, ID: "1", Payload: mustPayload(t, SecretPutPayload{
		Name: "api-key", Ciphertext: []byte("v1"), OwnerNode: node.String(),
		AllowedIDs: []string{workloadID.String()},
	})})
	var putAck AckPayload
	require.NoError(t, json.Unmarshal(drain(t, c).Payload, &putAck))
	var view secrets.View
	require.NoError(t, json.Unmarshal(putAck.Result, &view))

	s.handleCLIFrame(c, Envelope{Type: KindSecretGet, ID: "2", Payload: mustPayload(t, SecretGetPayload{
		SecretID: view.ID.String(), RequesterID: workloadID.String(),
	})})
	var getAck AckPayload
	require.NoError(t, json.Unmarshal(drain(t, c).Payload, &getAck))
	var ciphertext []byte
	require.NoError(t, json.Unmarshal(getAck.Result, &ciphertext))
	assert.Equal(t, []byte("v1"), ciphertext)

	s.handleCLIFrame(c, Envelope{Type: KindSecretRotate, ID: "3", Payload: mustPayload(t, SecretRotatePayload{
		SecretID: view.ID.String(), Ciphertext: []byte("v2"),
	})})
	assert.Equal(t, KindAck, drain(t, c).Type)

	s.handleCLIFrame(c, Envelope{Type: KindSecretGet, ID: "4", Payload: mustPayload(t, SecretGetPayload{
		SecretID: view.ID.String(), RequesterID: workloadID.String(),
	})})
	require.NoError(t, json.Unmarshal(drain(t, c).Payload, &getAck))
	require.NoError(t, json.Unmarshal(getAck.Result, &ciphertext))
	assert.Equal(t, []byte("v2"), ciphertext, "rotate must replace ciphertext in place")

	s.handleCLIFrame(c, Envelope{Type: KindSecretDelete, ID: "5", Payload: mustPayload(t, SecretDeletePayload{SecretID: view.ID.String()})})
	assert.Equal(t, KindAck, drain(t, c).Type)

	s.handleCLIFrame(c, Envelope{Type: KindSecretGet, ID: "6", Payload: mustPayload(t, SecretGetPayload{
		SecretID: view.ID.String(), RequesterID: workloadID.String(),
	})})
	errEnv := drain(t, c)
	assert.Equal(t, KindError, errEnv.Type)
}
