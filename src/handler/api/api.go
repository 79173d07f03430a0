package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"tonearm/src/playback"
	"tonearm/src/queue"
	"tonearm/src/store"
)

// API contains the state that is accessible over the REST API.
type API struct {
	orc   *playback.Orchestrator
	queue *queue.Queue
	store *store.Store
}

// InitRouter attaches all API routes to the specified router.
func InitRouter(r chi.Router, orc *playback.Orchestrator, q *queue.Queue, st *store.Store) {
	api := API{orc: orc, queue: q, store: st}
	r.Use(jsonCtx)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", api.queueContents)
		r.Post("/", api.queueAdd)
		r.Patch("/", api.queueMove)
		r.Delete("/", api.queueRemove)
		r.Post("/clear", api.queueClear)
		r.Post("/prefetch", api.queuePrefetch)
	})

	r.Route("/player", func(r chi.Router) {
		r.Get("/current", api.playerCurrent)
		r.Post("/pause", api.playerPause)
		r.Post("/resume", api.playerResume)
		r.Post("/seek", api.playerSeek)
		r.Post("/skip", api.playerSkip)
		r.Get("/mode", api.playerGetMode)
		r.Post("/repeat", api.playerSetRepeat)
		r.Post("/shuffle", api.playerSetShuffle)
	})

	r.Get("/history", api.history)
	r.Get("/song", api.song)
	r.Get("/events", api.events)
}

// WriteError writes an error to the client as a JSON object.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	log.Errorf("Error serving %s: %v", r.RemoteAddr, err)
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": err.Error(),
	})
}

func jsonCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
