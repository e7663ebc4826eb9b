package offlinecache

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

const maxPushPayload = 4096

type partitionInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// EventRouter exposes the runtime events of the active controller
// (sync, push, notification clicks, activation) to the hosting process.
func (reg *Registration) EventRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(reg.requireActive)
	r.Post("/activate", reg.handleActivate)
	r.Post("/sync/{tag}", reg.handleSync)
	r.Post("/push", reg.handlePush)
	r.Post("/notifications/{id}/click", reg.handleClick)
	r.Get("/partitions", reg.handlePartitions)
	return r
}

func (reg *Registration) requireActive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reg.Active() == nil {
			http.Error(w, "no active controller", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (reg *Registration) handleActivate(w http.ResponseWriter, r *http.Request) {
	deleted, err := reg.Active().Activate(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	reg.writeJSON(w, http.StatusOK, map[string][]string{"deleted": deleted})
}

func (reg *Registration) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := reg.Active().Sync(r.Context(), chi.URLParam(r, "tag")); err != nil {
		reg.log.Error().Err(err).Msg("Background sync failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (reg *Registration) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := reg.Active().Push(r.Context(), payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	reg.writeJSON(w, http.StatusCreated, n)
}

func (reg *Registration) handleClick(w http.ResponseWriter, r *http.Request) {
	client, err := reg.Active().NotificationClick(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("action"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if client == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	reg.writeJSON(w, http.StatusOK, client)
}

func (reg *Registration) handlePartitions(w http.ResponseWriter, r *http.Request) {
	c := reg.Active()
	names, err := c.cache.Partitions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	infos := make([]partitionInfo, 0, len(names))
	for _, name := range names {
		info := partitionInfo{
			Name:    name,
			Current: name == c.staticName || name == c.dynamicName,
		}
		if err := c.cache.Keys(name, func(string) { info.Entries++ }); err != nil {
			reg.log.Error().Err(err).Str("partition", name).Msg("Could not count partition entries")
		}
		infos = append(infos, info)
	}
	reg.writeJSON(w, http.StatusOK, infos)
}

func (reg *Registration) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		reg.log.Error().Err(err).Msg("Could not write event response")
	}
}
