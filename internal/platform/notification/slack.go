// Package notification posts operational alerts to the on-call Slack
// channel: verification escalations and failures that must be seen but must
// not fail a triage request.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// SlackSender posts plain-text messages to a single channel.
type SlackSender struct {
	api     *slack.Client
	channel string
	logger  zerolog.Logger
}

// NewSlackSender builds a sender for channel. Options are passed to the
// Slack client; tests use slack.OptionAPIURL to point it at a fake.
func NewSlackSender(token, channel string, logger zerolog.Logger, opts ...slack.Option) (*SlackSender, error) {
	if token == "" || channel == "" {
		return nil, errors.New("slack token and channel are required")
	}
	return &SlackSender{
		api:     slack.New(token, opts...),
		channel: channel,
		logger:  logger.With().Str("component", "slack").Logger(),
	}, nil
}

// PostText sends text to the configured channel.
func (s *SlackSender) PostText(ctx context.Context, text string) error {
	_, ts, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post to %s: %w", s.channel, err)
	}
	s.logger.Debug().Str("ts", ts).Msg("message posted")
	return nil
}

// Report posts err with its identifying fields. Delivery failures are logged
// and dropped.
func (s *SlackSender) Report(ctx context.Context, err error, fields map[string]string) {
	if err == nil {
		return
	}
	if postErr := s.PostText(ctx, FormatReport(err, fields)); postErr != nil {
		s.logger.Error().Err(postErr).AnErr("reported", err).Msg("failed to deliver error report")
	}
}

// FormatReport renders an error and its fields with keys in sorted order.
func FormatReport(err error, fields map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: %s", err.Error())
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n• %s: `%s`", k, fields[k])
	}
	return b.String()
}
