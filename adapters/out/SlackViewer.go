/*
 *    Copyright 2023 iFood
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package out

import (
	"fmt"

	"github.com/slack-go/slack"
)

// SlackViewer posts infected-verdict alerts to a webhook. It is the only
// push-style notification surface; everything else is scraped metrics.
type SlackViewer struct {
	webhook   string
	channelID string
}

func NewSlackViewer(webhook, channelID string) *SlackViewer {
	return &SlackViewer{webhook: webhook, channelID: channelID}
}

func (s *SlackViewer) Notify(message string) error {
	if s.webhook == "" {
		return nil
	}

	msg := slack.WebhookMessage{
		Username: "virusscan",
		Channel:  s.channelID,
		Text:     message,
	}

	if err := slack.PostWebhook(s.webhook, &msg); err != nil {
		return fmt.Errorf("cant send message to slack. %w", err)
	}

	return nil
}
