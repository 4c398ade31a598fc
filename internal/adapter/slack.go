package adapter

import (
	"context"
	"log/slog"
	"os"

	"github.com/slack-go/slack"

	"github.com/harunnryd/kagura/internal/errors"
)

type SlackAdapter struct {
	client *slack.Client
}

func NewSlackAdapter(botToken string) *SlackAdapter {
	if botToken == "" {
		botToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	return &SlackAdapter{
		client: slack.New(botToken),
	}
}

func (s *SlackAdapter) Name() string {
	return "slack"
}

func (s *SlackAdapter) SendMessage(ctx context.Context, destination, text string) error {
	// destination maps to channel ID for Slack
	_, _, err := s.client.PostMessageContext(ctx, destination, slack.MsgOptionText(text, false))
	if err != nil {
		return errors.Wrap(err, "failed to send Slack message")
	}
	slog.Debug("Slack message sent", "channel", destination)
	return nil
}

func (s *SlackAdapter) Health(ctx context.Context) error {
	if s.client == nil {
		return errors.Internal("Slack client not initialized")
	}
	if _, err := s.client.AuthTestContext(ctx); err != nil {
		return errors.Wrap(err, "slack connection failed")
	}
	return nil
}
