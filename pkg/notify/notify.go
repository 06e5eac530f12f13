// Package notify forwards orchestration-core bus events to Slack. It is the
// process-level counterpart to the approval queue's interactive notifier
// and the fallback engine's throttled team alert: those post at the moment
// of enqueue/failure, this package gives an operator a single channel
// watching the lifecycle of every action:requires_approval event through
// to its terminal decision.
package notify

import (
	"fmt"

	"github.com/slack-go/slack"

	"github.com/go-logr/logr"

	"github.com/relaycore/actioncore/pkg/events"
	"github.com/relaycore/actioncore/pkg/types"
)

// Forwarder subscribes to the event bus and relays approval lifecycle
// events to a Slack channel as plain text messages.
type Forwarder struct {
	client  *slack.Client
	channel string
	log     logr.Logger
}

// NewForwarder builds a Forwarder. A nil client (or an empty channel) makes
// every forwarded event a no-op, so the process can run with notifications
// disabled.
func NewForwarder(client *slack.Client, channel string, log logr.Logger) *Forwarder {
	return &Forwarder{client: client, channel: channel, log: log}
}

// Attach subscribes f to bus for the events it forwards: the initial
// approval request and every terminal decision.
func (f *Forwarder) Attach(bus *events.Bus) {
	bus.Subscribe(events.ActionRequiresApproval, f.handleRequiresApproval)
	bus.Subscribe(events.ApprovalDecided, f.handleDecided)
}

func (f *Forwarder) handleRequiresApproval(e events.Event) {
	ar, ok := e.Payload.(types.ApprovalRequest)
	if !ok {
		return
	}
	f.post(fmt.Sprintf("action %q on %s/%s requires approval (risk=%s, id=%s)",
		ar.Action.Action, ar.Action.Platform, ar.Action.Target, ar.Risk, ar.ID))
}

func (f *Forwarder) handleDecided(e events.Event) {
	ar, ok := e.Payload.(types.ApprovalRequest)
	if !ok {
		return
	}
	f.post(fmt.Sprintf("approval %s for action %q resolved: %s", ar.ID, ar.Action.Action, ar.Status))
}

func (f *Forwarder) post(text string) {
	if f.client == nil || f.channel == "" {
		return
	}
	if _, _, err := f.client.PostMessage(f.channel, slack.MsgOptionText(text, false)); err != nil {
		f.log.Error(err, "failed to forward event to slack", "channel", f.channel)
	}
}
