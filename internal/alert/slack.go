package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/slack-go/slack"
)

// SlackSink posts to a Slack incoming webhook.
type SlackSink struct {
	webhookURL string
	client     *http.Client
}

func NewSlackSink(webhookURL string, client *http.Client) *SlackSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackSink{webhookURL: webhookURL, client: client}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, a Alert) error {
	msg := &slack.WebhookMessage{
		Text: a.Subject,
		Attachments: []slack.Attachment{{
			Color: "danger",
			Text:  a.Text,
			Fields: []slack.AttachmentField{
				{Title: "Payment", Value: a.PaymentID, Short: true},
				{Title: "Attempts", Value: strconv.Itoa(a.Attempts), Short: true},
				{Title: "Callback URL", Value: a.URL},
			},
			Ts: json.Number(strconv.FormatInt(a.At.Unix(), 10)),
		}},
	}
	return slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, msg)
}
