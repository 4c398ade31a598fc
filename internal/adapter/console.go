package adapter

import (
	"context"
	"fmt"
	"os"
)

// ConsoleAdapter prints outbound messages to stdout. It is the fallback when
// no chat adapter is configured, useful for local development.
type ConsoleAdapter struct{}

func NewConsoleAdapter() *ConsoleAdapter {
	return &ConsoleAdapter{}
}

func (c *ConsoleAdapter) Name() string {
	return "console"
}

func (c *ConsoleAdapter) SendMessage(ctx context.Context, destination, text string) error {
	_, err := fmt.Fprintf(os.Stdout, "[%s] %s\n", destination, text)
	return err
}

func (c *ConsoleAdapter) Health(ctx context.Context) error {
	return nil
}
