// Package messaging connects chat transports to the dialogue engine.
//
// A Service turns transport traffic into models.InboundEvent values and renders models.Outbound
// messages back onto the transport. The Dispatcher routes events to the flow coordinator, one
// conversation at a time, and delivers what it returns.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/DuetPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer of a service's event channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long a transport callback waits on a full event channel.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by services after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service is a pluggable chat transport.
type Service interface {
	// Name identifies the transport, e.g. "whatsapp" or "twilio".
	Name() string

	// Start begins background processing (e.g., registering event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channel.
	Stop() error

	// SendMessage renders out and posts it to out.ConversationID.
	SendMessage(ctx context.Context, out models.Outbound) error

	// Events returns the channel of inbound events.
	Events() <-chan models.InboundEvent
}
