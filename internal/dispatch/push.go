package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushNotifier posts notifications to an FCM HTTP v1 style endpoint so that devices without
// an open socket still hear about them. It implements notify.Pusher.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushMessage struct {
	Message pushBody `json:"message"`
}

type pushBody struct {
	Topic        string            `json:"topic"`
	Notification pushNotification  `json:"notification"`
	Data         map[string]string `json:"data"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (p *PushNotifier) Push(ctx context.Context, n models.Notification) error {
	body := pushMessage{Message: pushBody{
		Topic:        pushTopic(n.UserID),
		Notification: pushNotification{Title: n.Title, Body: n.Message},
		Data: map[string]string{
			"notification_id": n.ID,
			"type":            string(n.Type),
			"related_id":      n.RelatedID,
		},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("push notification %s: %w", n.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("push notification %s: endpoint returned %s", n.ID, resp.Status)
	}
	return nil
}

// devices subscribe to a topic named after their user
func pushTopic(id models.ActorID) string { return "user-" + string(id) }
