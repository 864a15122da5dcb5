package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/splax/fleetgoal/internal/natstest"
)

func TestNATSPublisherPublishesPerKind(t *testing.T) {
	nc := natstest.Start(t)
	sub, err := nc.SubscribeSync("fleetgoal.events.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	p := NewNATSPublisher(nc, "fleetgoal.events")
	ev := Event{Kind: KindDeploySucceeded, EnvID: "env-1", DeployID: "d-1", State: "SUCCEEDING"}
	if err := p.Notify(context.Background(), ev); err != nil {
		t.Fatalf("notify: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if msg.Subject != "fleetgoal.events.deploy.succeeded" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	var got Event
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.DeployID != "d-1" || got.EnvID != "env-1" || got.State != "SUCCEEDING" {
		t.Fatalf("unexpected event %+v", got)
	}
}
