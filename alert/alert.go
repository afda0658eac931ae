// Package alert notifies an operator Slack channel of events severe
// enough to page someone: a fatal worker error that could not be
// recovered, or a listener abandoned after a restart storm. Grounded on
// the teacher pack's Slack plugin, which posts through
// github.com/lestrrat-go/slack's chat.postMessage client.
package alert

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/slack"
)

// Notifier posts operational alerts to a single Slack channel.
type Notifier struct {
	client   *slack.Client
	channel  string
	username string
	iconURL  string
}

// New returns a Notifier that posts to channel using token. username and
// iconURL may be empty to use the workspace defaults.
func New(token, channel, username, iconURL string) *Notifier {
	if username == "" {
		username = "authgate"
	}
	return &Notifier{
		client:   slack.New(token),
		channel:  channel,
		username: username,
		iconURL:  iconURL,
	}
}

// Notify posts msg to the configured channel.
func (n *Notifier) Notify(ctx context.Context, msg string) error {
	req := n.client.Chat().PostMessage(n.channel).Username(n.username).Text(msg)
	if n.iconURL != "" {
		req = req.IconURL(n.iconURL)
	}
	if _, err := req.Do(ctx); err != nil {
		return fmt.Errorf("alert: post message: %w", err)
	}
	return nil
}

// FatalWorker formats and sends the alert for an unrecoverable worker
// error, per the restart-storm-abandonment scenario.
func (n *Notifier) FatalWorker(ctx context.Context, listener string, err error) error {
	return n.Notify(ctx, fmt.Sprintf("authgate: listener `%s` abandoned after repeated failures: %s", listener, err))
}
