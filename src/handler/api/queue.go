package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tonearm/src/playback"
	"tonearm/src/queue"
)

func jsonItem(it queue.Item) interface{} {
	var struc struct {
		ID            string `json:"id"`
		Locator       string `json:"locator"`
		Source        string `json:"source"`
		Kind          string `json:"kind"`
		Title         string `json:"title,omitempty"`
		Artist        string `json:"artist,omitempty"`
		Duration      int    `json:"duration"`
		RequesterName string `json:"requesterName,omitempty"`
		Priority      bool   `json:"priority"`
		State         string `json:"state"`
		Progress      int    `json:"progress"`
		Thumbnail     string `json:"thumbnail,omitempty"`
		Prefetched    bool   `json:"prefetched"`
	}
	struc.ID = it.ID
	struc.Locator = it.Locator
	struc.Source = it.Source()
	struc.Kind = string(it.Kind)
	struc.Title = it.Title
	struc.Artist = it.Artist
	struc.Duration = int(it.Duration / time.Second)
	struc.RequesterName = it.RequesterName
	struc.Priority = it.Priority
	struc.State = string(it.State)
	struc.Progress = it.Progress
	struc.Thumbnail = it.Thumbnail
	struc.Prefetched = it.Prefetched
	return struc
}

func jsonItems(inList []queue.Item) []interface{} {
	outList := make([]interface{}, len(inList))
	for i, it := range inList {
		outList[i] = jsonItem(it)
	}
	return outList
}

func (api *API) queueContents(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"items": jsonItems(api.queue.Snapshot()),
	})
}

func (api *API) queueAdd(w http.ResponseWriter, r *http.Request) {
	var data struct {
		Locator       string `json:"locator"`
		Title         string `json:"title"`
		Artist        string `json:"artist"`
		Duration      int    `json:"duration"`
		RequesterName string `json:"requesterName"`
		RequesterID   string `json:"requesterId"`
		Priority      bool   `json:"priority"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		WriteError(w, r, err)
		return
	}

	item, err := api.orc.Enqueue(playback.Request{
		Locator:       data.Locator,
		Title:         data.Title,
		Artist:        data.Artist,
		Duration:      time.Duration(data.Duration) * time.Second,
		RequesterName: data.RequesterName,
		RequesterID:   data.RequesterID,
		Priority:      data.Priority,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"item": jsonItem(*item),
	})
}

func (api *API) queueMove(w http.ResponseWriter, r *http.Request) {
	var data struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		WriteError(w, r, err)
		return
	}

	if err := api.queue.Reorder(data.From, data.To); err != nil {
		WriteError(w, r, err)
		return
	}
	w.Write([]byte("{}"))
}

func (api *API) queueRemove(w http.ResponseWriter, r *http.Request) {
	var data struct {
		ID       string `json:"id"`
		Position *int   `json:"position"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		WriteError(w, r, err)
		return
	}

	switch {
	case data.ID != "":
		if api.queue.RemoveByID(data.ID) == nil {
			WriteError(w, r, fmt.Errorf("no queued item with id %q", data.ID))
			return
		}
	case data.Position != nil:
		if _, err := api.queue.Remove(*data.Position); err != nil {
			WriteError(w, r, err)
			return
		}
	default:
		WriteError(w, r, fmt.Errorf("specify an id or a position to remove"))
		return
	}
	w.Write([]byte("{}"))
}

func (api *API) queueClear(w http.ResponseWriter, r *http.Request) {
	api.queue.Clear()
	w.Write([]byte("{}"))
}

func (api *API) queuePrefetch(w http.ResponseWriter, r *http.Request) {
	started := api.orc.PrefetchAll(r.Context())
	json.NewEncoder(w).Encode(map[string]interface{}{
		"started": started,
	})
}
