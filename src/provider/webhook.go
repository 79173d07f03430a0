package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Webhook delivers notifications by posting JSON to a configured endpoint.
type Webhook struct {
	URL    string
	Client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify implements the NotificationSink interface. Failures are logged and
// swallowed, notifications never affect playback.
func (wh *Webhook) Notify(ctx context.Context, groupID, message, mentionUserID string) bool {
	body, err := json.Marshal(map[string]string{
		"groupId":       groupID,
		"message":       message,
		"mentionUserId": mentionUserID,
	})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		log.Errorf("Could not build notification request: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := wh.Client.Do(req)
	if err != nil {
		log.WithField("group", groupID).Warnf("Could not deliver notification: %v", err)
		return false
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		log.WithField("group", groupID).Warnf("Notification rejected: %s", res.Status)
		return false
	}
	return true
}
