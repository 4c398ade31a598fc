package adapter

import (
	"context"
)

// OutputAdapter defines the interface for adapters that deliver assistant
// output to an external chat platform. Message receipt and formatting live in
// the platform gateway, outside this process.
type OutputAdapter interface {
	// Name returns the adapter name.
	Name() string

	// SendMessage delivers text to a platform-specific destination
	// (chat ID, channel ID, JID).
	SendMessage(ctx context.Context, destination, text string) error

	// Health checks if the adapter is healthy and can send messages.
	Health(ctx context.Context) error
}
