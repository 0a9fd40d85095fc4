package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// StatusNotifier posts best-effort run lifecycle notices to a webhook,
// separate from the alert channel. A nil receiver or empty URL is a no-op.
type StatusNotifier struct {
	Client  *Client
	Webhook string
	Name    string
}

// NewStatusNotifier returns a notifier labelled name.
func NewStatusNotifier(c *Client, webhook, name string) *StatusNotifier {
	return &StatusNotifier{Client: c, Webhook: webhook, Name: name}
}

// Started announces a run.
func (n *StatusNotifier) Started(ctx context.Context, runID string) {
	if !n.enabled() {
		return
	}
	n.post(ctx, fmt.Sprintf("%s started! (run `%s`)", n.label(), runID))
}

// Completed announces a successful run with a one-line summary.
func (n *StatusNotifier) Completed(ctx context.Context, runID, summary string) {
	if !n.enabled() {
		return
	}
	msg := fmt.Sprintf("%s completed! (run `%s`)", n.label(), runID)
	if s := strings.TrimSpace(summary); s != "" {
		msg += "\n" + s
	}
	n.post(ctx, msg)
}

// Failed announces a failed run.
func (n *StatusNotifier) Failed(ctx context.Context, runID string, err error) {
	if !n.enabled() {
		return
	}
	n.post(ctx, fmt.Sprintf("%s failed! (run `%s`)\n```%v```", n.label(), runID, err))
}

func (n *StatusNotifier) label() string {
	if n.Name == "" {
		return "Delivery check"
	}
	return n.Name
}

func (n *StatusNotifier) enabled() bool {
	return n != nil && n.Client != nil && n.Webhook != ""
}

func (n *StatusNotifier) post(ctx context.Context, text string) {
	if err := n.Client.PostWebhook(ctx, n.Webhook, Message{Blocks: []Block{MarkdownSection(text)}}); err != nil {
		log.Warn().Err(err).Msg("status notification failed")
	}
}
