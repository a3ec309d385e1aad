package commander

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/metorial/capture-core/internal/eventstore"
	"github.com/metorial/capture-core/internal/models"
	"github.com/metorial/capture-core/internal/syncer"
)

const maxIngestBytes = 32 << 20

// SyncRunner runs one import pass on demand.
type SyncRunner interface {
	SyncOnce(ctx context.Context) (syncer.Result, error)
}

type API struct {
	db       *DB
	registry *Registry
	store    *eventstore.Store
	sync     SyncRunner
}

// NewAPI wires the HTTP handlers. store and sync may be nil when the
// controller runs without a local event store.
func NewAPI(db *DB, registry *Registry, store *eventstore.Store, sync SyncRunner) *API {
	return &API{db: db, registry: registry, store: store, sync: sync}
}

func (api *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", api.handleHealth)
	mux.HandleFunc("/api/v1/hosts", api.handleHosts)
	mux.HandleFunc("/api/v1/hosts/", api.handleHost)
	mux.HandleFunc("/api/v1/history", api.handleHistory)
	mux.HandleFunc("/api/v1/sync", api.handleSync)
	mux.HandleFunc("/api/v1/events", api.handleEvents)
	mux.HandleFunc("/api/v1/stats", api.handleStats)
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := api.db.Ping(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("Database unhealthy: %v", err), http.StatusServiceUnavailable)
		return
	}

	response := map[string]interface{}{
		"status":   "healthy",
		"database": "connected",
	}

	if api.store != nil {
		usage, err := api.store.DiskUsage()
		if err != nil {
			log.Printf("Error getting event store disk usage: %v", err)
		} else {
			response["event_store"] = usage
		}
	}

	respondJSON(w, http.StatusOK, response)
}

func (api *API) handleHosts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.getHosts(w, r)
	case http.MethodPost:
		api.ingestHosts(w, r)
	case http.MethodDelete:
		api.clearHosts(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (api *API) getHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := api.registry.Hosts(r.Context())
	if err != nil {
		log.Printf("Error getting hosts: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"hosts": hosts,
		"count": len(hosts),
	})
}

func (api *API) ingestHosts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Output string `json:"output"`
		Source string `json:"source"`
	}

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Output) == "" {
		http.Error(w, "Output is required", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	summary, err := api.registry.Ingest(r.Context(), req.Output, req.Source)
	if err != nil {
		log.Printf("Error ingesting scan output: %v", err)
		http.Error(w, "Failed to ingest scan output", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

func (api *API) clearHosts(w http.ResponseWriter, r *http.Request) {
	removed, err := api.registry.Clear(r.Context())
	if err != nil {
		log.Printf("Error clearing hosts: %v", err)
		http.Error(w, "Failed to clear hosts", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "cleared",
		"removed": removed,
	})
}

func (api *API) handleHost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := r.URL.Path[len("/api/v1/hosts/"):]
	if ip == "" {
		http.Error(w, "IP required", http.StatusBadRequest)
		return
	}
	if parsed := net.ParseIP(ip); parsed != nil {
		ip = parsed.String()
	}

	host, err := api.registry.Host(r.Context(), ip)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Host not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("Error getting host %s: %v", ip, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, host)
}

func (api *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		api.getHistory(w, r)
	case http.MethodPost:
		api.acceptHistory(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (api *API) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100, 1000)

	history, err := api.db.GetHistory(r.Context(), r.URL.Query().Get("tool"), limit)
	if err != nil {
		log.Printf("Error getting history: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"history": history,
		"count":   len(history),
	})
}

// acceptHistory is the receiving end of a remote HTTP sink.
func (api *API) acceptHistory(w http.ResponseWriter, r *http.Request) {
	var event models.CommandEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBytes)).Decode(&event); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if event.ID == "" || event.Command == "" {
		http.Error(w, "ID and command are required", http.StatusBadRequest)
		return
	}
	if !event.Status.Terminal() {
		http.Error(w, "Only finished commands can be imported", http.StatusBadRequest)
		return
	}
	if event.Tool == "" {
		event.Tool = models.ToolOf(event.Command)
	}

	inserted, err := api.db.InsertHistory(r.Context(), &event, time.Now().UTC())
	if err != nil {
		log.Printf("Error storing history entry %s: %v", event.ID, err)
		http.Error(w, "Failed to store history entry", http.StatusInternalServerError)
		return
	}

	status := "accepted"
	if !inserted {
		status = "duplicate"
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status": status,
		"id":     event.ID,
	})
}

func (api *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if api.sync == nil {
		http.Error(w, "Sync service unavailable", http.StatusServiceUnavailable)
		return
	}

	result, err := api.sync.SyncOnce(r.Context())
	if err != nil {
		log.Printf("Error running sync: %v", err)
		http.Error(w, "Sync failed", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (api *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if api.store == nil {
		http.Error(w, "Event store unavailable", http.StatusServiceUnavailable)
		return
	}

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "Invalid since timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}

	events, err := api.store.List(since, parseLimit(r, 0, 10000))
	if err != nil {
		log.Printf("Error listing events: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (api *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := api.db.GetStats(r.Context())
	if err != nil {
		log.Printf("Error getting stats: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if api.store != nil {
		storeStats, err := api.store.Stats()
		if err != nil {
			log.Printf("Error getting event store stats: %v", err)
		} else {
			stats["event_records"] = storeStats.Records
			stats["event_bytes"] = storeStats.Bytes
		}
	}

	respondJSON(w, http.StatusOK, stats)
}

func parseLimit(r *http.Request, fallback, ceiling int) int {
	limit := fallback
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= ceiling {
			limit = l
		}
	}
	return limit
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
