// Package handlers exposes the gateway's read-mostly REST+SSE surface
// for the dashboard: node/workload listings, escrow/marketplace
// listings, and a server-sent-event stream of state changes. Mutating
// operations (submit, cancel, drain) live on the WebSocket CLI protocol
// in internal/session — this package never changes cluster state.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/clawbernetes/clawbernetes-sub007/internal/escrow"
	"github.com/clawbernetes/clawbernetes-sub007/internal/ids"
	"github.com/clawbernetes/clawbernetes-sub007/internal/manager"
	"github.com/clawbernetes/clawbernetes-sub007/internal/marketplace"
	"github.com/clawbernetes/clawbernetes-sub007/internal/registry"
	"github.com/clawbernetes/clawbernetes-sub007/internal/reputation"
	"github.com/clawbernetes/clawbernetes-sub007/internal/secrets"
)

// Deps bundles every read-side dependency the dashboard handlers need.
type Deps struct {
	Registry    *registry.Registry
	Manager     *manager.Manager
	Book        *marketplace.Book
	Escrows     *escrow.Engine
	Reputation  *reputation.Tracker
	Secrets     *secrets.Store
	Events      *EventBus
}

// NewRouter builds the dashboard-facing mux.Router.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/nodes", listNodes(d)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/nodes/{id}", getNode(d)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/workloads", listWorkloads(d)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/workloads/{id}", getWorkload(d)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/workloads/{id}/logs", getLogs(d)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/marketplace/offers", listOffers(d)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/marketplace/orders", listOrders(d)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/escrows", listEscrows(d)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/reputation", listReputation(d)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/secrets", listSecrets(d)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/events", streamEvents(d)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthz(d)).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func listNodes(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Registry.List())
	}
}

func getNode(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := ids.ParseNodeID(mux.Vars(r)["id"])
		if err != nil {
			http.Error(w, "invalid node id", http.StatusBadRequest)
			return
		}
		n, ok := d.Registry.Get(id)
		if !ok {
			http.Error(w, "node not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func listWorkloads(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Manager.List())
	}
}

func getWorkload(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := ids.ParseWorkloadID(mux.Vars(r)["id"])
		if err != nil {
			http.Error(w, "invalid workload id", http.StatusBadRequest)
			return
		}
		v, ok := d.Manager.Get(id)
		if !ok {
			http.Error(w, "workload not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func getLogs(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := ids.ParseWorkloadID(mux.Vars(r)["id"])
		if err != nil {
			http.Error(w, "invalid workload id", http.StatusBadRequest)
			return
		}
		lines, err := d.Manager.Logs(id, 500, false)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, lines)
	}
}

func listOffers(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Book.ListOffers())
	}
}

func listOrders(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Book.ListOrders())
	}
}

func listEscrows(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Escrows.List())
	}
}

func listReputation(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Reputation.All())
	}
}

func listSecrets(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Secrets.List())
	}
}

func healthz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"nodes":  d.Registry.HealthSummary(),
			"time":   time.Now(),
		})
	}
}

func streamEvents(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch, unsubscribe := d.Events.Subscribe()
		defer unsubscribe()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev := <-ch:
				w.Write([]byte("event: " + ev.Kind + "\n"))
				w.Write([]byte("data: "))
				w.Write(ev.Data)
				w.Write([]byte("\n\n"))
				flusher.Flush()
			}
		}
	}
}
