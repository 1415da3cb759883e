package webhooks

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"wasmscan/internal/models"
)

// AdminHandlers manages DB-backed webhook subscriptions. The routes are
// registered under a subrouter that already applies AuthMiddleware.
type AdminHandlers struct {
	store *Store
	cache *SubscriptionCache
}

// NewAdminHandlers creates the admin handler set.
func NewAdminHandlers(store *Store, cache *SubscriptionCache) *AdminHandlers {
	return &AdminHandlers{store: store, cache: cache}
}

// RegisterRoutes registers the subscription CRUD routes on the given router.
func (ah *AdminHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks", ah.handleList).Methods("GET", "OPTIONS")
	r.HandleFunc("/webhooks", ah.handleCreate).Methods("POST", "OPTIONS")
	r.HandleFunc("/webhooks/stats", ah.handleStats).Methods("GET", "OPTIONS")
	r.HandleFunc("/webhooks/{id}", ah.handleGet).Methods("GET", "OPTIONS")
	r.HandleFunc("/webhooks/{id}", ah.handleUpdate).Methods("PATCH", "OPTIONS")
	r.HandleFunc("/webhooks/{id}", ah.handleDelete).Methods("DELETE", "OPTIONS")
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Handlers ---

func (ah *AdminHandlers) handleList(w http.ResponseWriter, r *http.Request) {
	subs, err := ah.store.ListSubscriptions(r.Context(), false)
	if err != nil {
		log.Error().Err(err).Msg("admin: list subscriptions failed")
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []models.WebhookSubscription{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": subs,
		"count": len(subs),
	})
}

func (ah *AdminHandlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string          `json:"name"`
		Contracts []string        `json:"contracts"`
		KeyPrefix string          `json:"key_prefix"`
		ValueMode string          `json:"value_mode"`
		Endpoint  json.RawMessage `json:"endpoint"`
		Enabled   *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.ValueMode == "" {
		body.ValueMode = ValueModeValue
	}

	var ep Endpoint
	if err := json.Unmarshal(body.Endpoint, &ep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid endpoint")
		return
	}

	// Compile up front so a broken definition never reaches the store.
	if _, err := Compile("", body.Name, body.Contracts, body.KeyPrefix, body.ValueMode, ep); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := &models.WebhookSubscription{
		Name:              body.Name,
		ContractAddresses: body.Contracts,
		KeyPrefix:         body.KeyPrefix,
		ValueMode:         body.ValueMode,
		EndpointType:      ep.Type,
		Endpoint:          body.Endpoint,
		Enabled:           body.Enabled == nil || *body.Enabled,
	}
	if err := ah.store.CreateSubscription(r.Context(), sub); err != nil {
		log.Error().Err(err).Msg("admin: create subscription failed")
		writeError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}
	ah.cache.Invalidate()

	writeJSON(w, http.StatusCreated, sub)
}

func (ah *AdminHandlers) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sub, err := ah.store.GetSubscription(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("admin: get subscription failed")
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

func (ah *AdminHandlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := ah.store.SetSubscriptionEnabled(r.Context(), id, *body.Enabled); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	ah.cache.Invalidate()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated": true,
		"id":      id,
		"enabled": *body.Enabled,
	})
}

func (ah *AdminHandlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := ah.store.DeleteSubscription(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	ah.cache.Invalidate()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
		"id":      id,
	})
}

func (ah *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	pending, err := ah.store.CountPending(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("admin: pending count failed")
		writeError(w, http.StatusInternalServerError, "failed to fetch stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending,
	})
}
