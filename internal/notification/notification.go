/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/blnkfinance/rebalancer/config"
	"github.com/blnkfinance/rebalancer/internal/request"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

type textObject struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type block struct {
	Type   string       `json:"type"`
	Text   *textObject  `json:"text,omitempty"`
	Fields []textObject `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []block `json:"blocks"`
}

func newSlackMessage(title string, fields ...[2]string) slackMessage {
	msg := slackMessage{Blocks: []block{{
		Type: "header",
		Text: &textObject{Type: "plain_text", Text: title, Emoji: true},
	}}}
	for _, f := range fields {
		msg.Blocks = append(msg.Blocks, block{
			Type:   "section",
			Fields: []textObject{{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", f[0], f[1])}},
		})
	}
	return msg
}

// SlackNotifier posts user trade summaries to a Slack webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	maxRetries uint64
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
		maxRetries: 2,
	}
}

// Notify sends message for userID. Without a webhook it only logs.
func (s *SlackNotifier) Notify(ctx context.Context, userID, message string) error {
	if s.webhookURL == "" {
		logrus.WithField("user_id", userID).Debug(message)
		return nil
	}
	msg := newSlackMessage("Rebalance executed 📈",
		[2]string{"User", userID},
		[2]string{"Summary", message},
		[2]string{"Time", time.Now().Format(time.RFC822)},
	)
	return s.send(ctx, msg)
}

func (s *SlackNotifier) send(ctx context.Context, msg slackMessage) error {
	operation := func() error {
		payload, err := request.ToJsonReq(msg)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		// slack answers webhooks with a plain "ok" body
		_, err = request.Call(s.client, req, nil)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, s.maxRetries), ctx))
}

// SlackNotification sends an error message to the configured Slack webhook.
func SlackNotification(err error) {
	conf, cfgErr := config.Fetch()
	if cfgErr != nil {
		logrus.Error(cfgErr)
		return
	}

	msg := newSlackMessage("Error From Rebalancer 🐞",
		[2]string{"Error", err.Error()},
		[2]string{"Time", time.Now().Format(time.RFC822)},
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if sendErr := NewSlackNotifier(conf.Notification.Slack.WebhookUrl).send(ctx, msg); sendErr != nil {
		logrus.WithError(sendErr).Warn("failed to send slack notification")
	}
}

// NotifyError logs systemError and forwards it to Slack when configured.
// It does not block the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			logrus.Error(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			SlackNotification(systemError)
		}
	}(systemError)
}
