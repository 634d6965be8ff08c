// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

// Package api exposes the query interface over HTTP: device listing,
// stored telemetry, track history replay, name lookup, the websocket
// upgrade endpoint and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshtrack/meshtrack/internal/database"
	"github.com/meshtrack/meshtrack/internal/history"
	"github.com/meshtrack/meshtrack/internal/logging"
	"github.com/meshtrack/meshtrack/internal/models"
	"github.com/meshtrack/meshtrack/internal/websocket"
)

// Store is the read surface the API serves from.
type Store interface {
	Devices(ctx context.Context) ([]*models.Device, error)
	Device(ctx context.Context, id string) (*models.Device, error)
	Messages(ctx context.Context, filter database.MessageFilter) ([]*models.TextRecord, error)
	Positions(ctx context.Context) ([]*models.PositionRecord, error)
	Ping(ctx context.Context) error
}

// History resolves track replay queries.
type History interface {
	TrackReplay(ctx context.Context, q history.Query) (*history.TrackReplay, error)
}

// Activity serves the recent-record ring a reloading viewer uses to
// repopulate its feed. The live map implements it.
type Activity interface {
	RecentActivity() ([]json.RawMessage, error)
}

// Handler bundles the API dependencies.
type Handler struct {
	store    Store
	history  History
	activity Activity
	hub      *websocket.Hub
	commands websocket.CommandRouter
}

func NewHandler(store Store, hist History, activity Activity, hub *websocket.Hub, commands websocket.CommandRouter) *Handler {
	return &Handler{store: store, history: hist, activity: activity, hub: hub, commands: commands}
}

// Router builds the chi router with the standard middleware stack.
// rateLimitPerMinute of zero or less takes the default.
func (h *Handler) Router(rateLimitPerMinute int) chi.Router {
	if rateLimitPerMinute <= 0 {
		rateLimitPerMinute = 300
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(httprate.LimitByIP(rateLimitPerMinute, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", h.handleDevices)
		r.Get("/messages", h.handleMessages)
		r.Get("/positions", h.handlePositions)
		r.Get("/recentActivity", h.handleRecentActivity)
		r.Get("/trackHistory", h.handleTrackHistory)
		r.Get("/getUserName/{id}", h.handleGetUserName)
		r.Get("/health", h.handleHealth)
	})

	if h.hub != nil {
		r.Get("/ws", websocket.ServeWS(h.hub, h.commands))
	}
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// deviceEntry is the wire shape of one directory row.
type deviceEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.Devices(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load devices")
		return
	}

	entries := make([]deviceEntry, 0, len(devices))
	for _, d := range devices {
		entries = append(entries, deviceEntry{ID: d.ID, Name: d.Name})
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	filter := database.MessageFilter{Order: database.SortAsc}

	if ids := r.URL.Query().Get("ids"); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filter.SenderIDs = append(filter.SenderIDs, id)
			}
		}
	}
	switch order := r.URL.Query().Get("order"); order {
	case "", "asc":
	case "desc":
		filter.Order = database.SortDesc
	default:
		respondError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}

	messages, err := h.store.Messages(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if messages == nil {
		messages = []*models.TextRecord{}
	}
	respondJSON(w, http.StatusOK, messages)
}

func (h *Handler) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.Positions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}
	if positions == nil {
		positions = []*models.PositionRecord{}
	}
	respondJSON(w, http.StatusOK, positions)
}

func (h *Handler) handleRecentActivity(w http.ResponseWriter, r *http.Request) {
	if h.activity == nil {
		respondJSON(w, http.StatusOK, []json.RawMessage{})
		return
	}
	ring, err := h.activity.RecentActivity()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load recent activity")
		return
	}
	if ring == nil {
		ring = []json.RawMessage{}
	}
	respondJSON(w, http.StatusOK, ring)
}

func (h *Handler) handleTrackHistory(w http.ResponseWriter, r *http.Request) {
	q := history.Query{
		DeviceID:      r.URL.Query().Get("deviceId"),
		StartDateTime: r.URL.Query().Get("startDateTime"),
		EndDateTime:   r.URL.Query().Get("endDateTime"),
	}

	replay, err := h.history.TrackReplay(r.Context(), q)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, replay)
	case errors.Is(err, history.ErrNoData):
		respondError(w, http.StatusNotFound, "no positions found for that device and time range")
	case errors.Is(err, history.ErrInvalidQuery):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		logging.Error().Err(err).Str("device_id", q.DeviceID).Msg("track history query failed")
		respondError(w, http.StatusInternalServerError, "track history query failed")
	}
}

// userNameResponse carries a null name for unknown devices, which is
// distinct from the empty string.
type userNameResponse struct {
	Name *string `json:"name"`
}

func (h *Handler) handleGetUserName(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	device, err := h.store.Device(r.Context(), id)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, userNameResponse{Name: &device.Name})
	case errors.Is(err, database.ErrNotFound):
		respondJSON(w, http.StatusOK, userNameResponse{})
	default:
		respondError(w, http.StatusInternalServerError, "name lookup failed")
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("response encode failed")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
