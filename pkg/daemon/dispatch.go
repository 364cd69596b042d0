package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/ras-project/ras/pkg/message"
)

// DefaultHandlerTimeout bounds one handler invocation. A handler that needs
// longer must hand the work off and return.
const DefaultHandlerTimeout = 5 * time.Second

// Handler consumes one decoded message from one device. Handlers for the
// same connection run sequentially in arrival order, so a slow handler
// delays everything behind it; ctx expires after the per-message budget.
type Handler func(ctx context.Context, deviceID string, msg *message.Message)

// dispatcher routes decoded messages to type-keyed handlers registered by
// the host application.
type dispatcher struct {
	timeout time.Duration
	log     logging.LeveledLogger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func newDispatcher(timeout time.Duration, log logging.LeveledLogger) *dispatcher {
	if timeout == 0 {
		timeout = DefaultHandlerTimeout
	}
	return &dispatcher{
		timeout:  timeout,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// register installs a handler for a message type.
func (d *dispatcher) register(msgType string, handler Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[msgType]; exists {
		return fmt.Errorf("%w: %q", ErrHandlerExists, msgType)
	}
	d.handlers[msgType] = handler
	return nil
}

// unregister removes a handler, reporting whether one was installed.
func (d *dispatcher) unregister(msgType string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, exists := d.handlers[msgType]
	delete(d.handlers, msgType)
	return exists
}

// dispatch runs the handler for one message, synchronously on the calling
// goroutine. Per-connection ordering comes from this: the transport delivers
// messages one at a time, and dispatch never reorders them onto other
// goroutines.
func (d *dispatcher) dispatch(deviceID string, msg *message.Message) {
	d.mu.RLock()
	handler := d.handlers[msg.Type]
	d.mu.RUnlock()

	if handler == nil {
		d.log.Debugf("device %q: no handler for message type %q", deviceID, msg.Type)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	handler(ctx, deviceID, msg)
}
