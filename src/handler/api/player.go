package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"tonearm/src/playback"
	"tonearm/src/queue"
	"tonearm/src/util/eventsource"
)

const eventPingInterval = 30 * time.Second

func jsonState(st playback.State, elapsed time.Duration) map[string]interface{} {
	out := map[string]interface{}{
		"playing":     st.Playing,
		"paused":      st.Paused,
		"songsPlayed": st.SongsPlayed,
		"elapsed":     int(elapsed / time.Second),
	}
	if st.Current != nil {
		out["current"] = jsonItem(st.Current.Item)
	}
	return out
}

func (api *API) playerCurrent(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(jsonState(api.orc.CurrentState(), api.orc.Elapsed()))
}

func (api *API) playerPause(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"changed": api.orc.Pause(r.Context()),
	})
}

func (api *API) playerResume(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"changed": api.orc.Resume(r.Context()),
	})
}

func (api *API) playerSeek(w http.ResponseWriter, r *http.Request) {
	var data struct {
		Time int `json:"time"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		WriteError(w, r, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"changed": api.orc.Seek(r.Context(), time.Duration(data.Time)*time.Second),
	})
}

func (api *API) playerSkip(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"changed": api.orc.Skip(r.Context()),
	})
}

func (api *API) playerGetMode(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"repeat":  api.orc.RepeatMode(),
		"shuffle": api.orc.Shuffle(),
	})
}

func (api *API) playerSetRepeat(w http.ResponseWriter, r *http.Request) {
	var data struct {
		Mode string `json:"mode"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		WriteError(w, r, err)
		return
	}

	if err := api.orc.SetRepeatMode(playback.RepeatMode(data.Mode)); err != nil {
		WriteError(w, r, err)
		return
	}
	w.Write([]byte("{}"))
}

func (api *API) playerSetShuffle(w http.ResponseWriter, r *http.Request) {
	var data struct {
		Enabled bool `json:"enabled"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		WriteError(w, r, err)
		return
	}

	api.orc.SetShuffle(data.Enabled)
	w.Write([]byte("{}"))
}

func (api *API) history(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.FormValue("limit"))
	entries, err := api.store.ListHistory(limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	outList := make([]interface{}, len(entries))
	for i, e := range entries {
		outList[i] = map[string]interface{}{
			"title":         e.Title,
			"artist":        e.Artist,
			"locator":       e.Locator,
			"requesterName": e.RequesterName,
			"playedAt":      e.PlayedAt,
		}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"history": outList,
	})
}

func (api *API) song(w http.ResponseWriter, r *http.Request) {
	locator := r.FormValue("locator")
	song, err := api.store.Song(locator)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if song == nil {
		http.NotFound(w, r)
		return
	}
	json.NewEncoder(w).Encode(song)
}

func (api *API) events(w http.ResponseWriter, r *http.Request) {
	es, err := eventsource.Begin(w, r)
	if err != nil {
		log.Errorf("%v", err)
		return
	}

	queueEvents := api.queue.Listen(r.Context())
	playerEvents := api.orc.Listen(r.Context())

	es.EventJSON("queue", map[string]interface{}{"items": jsonItems(api.queue.Snapshot())})
	es.EventJSON("state", jsonState(api.orc.CurrentState(), api.orc.Elapsed()))
	es.EventJSON("mode", map[string]interface{}{"repeat": api.orc.RepeatMode(), "shuffle": api.orc.Shuffle()})

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		var event interface{}
		var ok bool
		select {
		case event, ok = <-queueEvents:
			if !ok {
				return
			}
		case event, ok = <-playerEvents:
			if !ok {
				return
			}
		case <-ping.C:
			es.Ping()
			continue
		case <-r.Context().Done():
			return
		}

		switch t := event.(type) {
		case queue.ChangedEvent:
			es.EventJSON("queue", map[string]interface{}{"items": jsonItems(api.queue.Snapshot())})
		case playback.StateChangedEvent:
			es.EventJSON("state", jsonState(t.State, api.orc.Elapsed()))
		case playback.ModeChangedEvent:
			es.EventJSON("mode", map[string]interface{}{"repeat": t.Repeat, "shuffle": t.Shuffle})
		default:
			// Itemized queue events are subsumed by ChangedEvent.
		}
	}
}
