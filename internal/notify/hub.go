package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// Broadcaster is the subset of ws.Hub used for live event streams.
type Broadcaster interface {
	Broadcast(envID string, payload []byte)
}

// HubNotifier streams events to websocket subscribers of the environment.
type HubNotifier struct {
	hub Broadcaster
}

// NewHubNotifier wraps hub.
func NewHubNotifier(hub Broadcaster) *HubNotifier {
	return &HubNotifier{hub: hub}
}

// Notify implements Notifier.
func (h *HubNotifier) Notify(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	h.hub.Broadcast(ev.EnvID, payload)
	return nil
}
