// Package notify delivers short messages, such as one-time codes, to patients.
package notify

import (
	"context"
	"errors"

	"github.com/hackgods/clinic-slot-ledger/pkg/logging"
)

var ErrNoDestination = errors.New("notify: no deliverable destination")

// Channel delivers message to destination. A nil error means the provider
// accepted the message.
type Channel interface {
	Send(ctx context.Context, destination, message string) error
}

// LogChannel records that a message would be sent without delivering it.
// The body is not logged since it may hold a credential.
type LogChannel struct {
	logger *logging.Logger
}

func NewLogChannel(logger *logging.Logger) *LogChannel {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Send(_ context.Context, destination, message string) error {
	if destination == "" {
		return ErrNoDestination
	}
	c.logger.Info("log channel: would send message", "to", destination, "length", len(message))
	return nil
}
