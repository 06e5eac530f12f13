package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"

	"github.com/relaycore/actioncore/pkg/events"
	"github.com/relaycore/actioncore/pkg/types"
)

func newTestServer(t *testing.T, seen chan<- string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		seen <- r.FormValue("text")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "channel": "C1", "ts": "1"})
	}))
}

func TestForwarder_ForwardsRequiresApprovalEvent(t *testing.T) {
	seen := make(chan string, 1)
	srv := newTestServer(t, seen)
	defer srv.Close()

	client := slack.New("test-token", slack.OptionAPIURL(srv.URL+"/"))
	forwarder := NewForwarder(client, "#ops", logr.Discard())
	bus := events.New()
	forwarder.Attach(bus)

	bus.Emit(events.ActionRequiresApproval, types.ApprovalRequest{
		ID:     "a1",
		Action: types.ActionRequest{Action: "send_email", Platform: "gmail", Target: "t1"},
		Risk:   types.RiskHigh,
	})

	select {
	case text := <-seen:
		if text == "" {
			t.Error("expected a non-empty forwarded message")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for slack message")
	}
}

func TestForwarder_ForwardsApprovalDecidedEvent(t *testing.T) {
	seen := make(chan string, 1)
	srv := newTestServer(t, seen)
	defer srv.Close()

	client := slack.New("test-token", slack.OptionAPIURL(srv.URL+"/"))
	forwarder := NewForwarder(client, "#ops", logr.Discard())
	bus := events.New()
	forwarder.Attach(bus)

	bus.Emit(events.ApprovalDecided, types.ApprovalRequest{
		ID:     "a1",
		Action: types.ActionRequest{Action: "send_email"},
		Status: types.ApprovalApproved,
	})

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for slack message")
	}
}

func TestForwarder_IgnoresOtherEvents(t *testing.T) {
	seen := make(chan string, 1)
	srv := newTestServer(t, seen)
	defer srv.Close()

	client := slack.New("test-token", slack.OptionAPIURL(srv.URL+"/"))
	forwarder := NewForwarder(client, "#ops", logr.Discard())
	bus := events.New()
	forwarder.Attach(bus)

	bus.Emit(events.RequestSuccess, map[string]interface{}{"action": "noop"})

	select {
	case <-seen:
		t.Fatal("expected request:success not to be forwarded")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForwarder_NilClientIsNoop(t *testing.T) {
	forwarder := NewForwarder(nil, "#ops", logr.Discard())
	bus := events.New()
	forwarder.Attach(bus)

	bus.Emit(events.ActionRequiresApproval, types.ApprovalRequest{ID: "a1"})
}
