// Package notifier forwards node state transitions to an external
// socket.io endpoint, so dashboards and collaborators can follow job
// progress live.
//
// Delivery is strictly best-effort: a missing or flapping endpoint is
// logged and never affects execution.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/events"
)

// Config describes the socket.io endpoint to notify.
type Config struct {
	URL       string
	Namespace string
	// Event is the event name emitted per transition. Defaults to
	// "node_state_changed".
	Event string
}

// Notifier streams bus events to a socket.io server.
type Notifier struct {
	cfg       Config
	manager   *socket.Manager
	io        *socket.Socket
	connected atomic.Bool
}

// New builds a Notifier and starts connecting in the background. The
// connection is retried by the socket.io manager itself.
func New(ctx context.Context, cfg Config) (*Notifier, error) {
	if cfg.Event == "" {
		cfg.Event = "node_state_changed"
	}
	logger := ctxlog.FromContext(ctx).With("url", cfg.URL, "namespace", cfg.Namespace)

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse notifier URL: %w", err)
	}
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)

	opts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		opts.SetPath(parsedURL.Path)
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	n := &Notifier{cfg: cfg}
	n.manager = socket.NewManager(baseURL, opts)
	n.io = n.manager.Socket(cfg.Namespace, opts)

	n.io.On(types.EventName("connect"), func(...any) {
		n.connected.Store(true)
		logger.Info("Notifier connected.", "sid", n.io.Id())
	})
	n.io.On(types.EventName("disconnect"), func(...any) {
		n.connected.Store(false)
		logger.Warn("Notifier disconnected.")
	})
	n.io.On(types.EventName("connect_error"), func(errs ...any) {
		n.connected.Store(false)
		logger.Warn("Notifier connection error.", "error", fmt.Sprint(errs...))
	})

	n.io.Connect()
	return n, nil
}

// Start consumes the subscription until the channel closes or the context
// ends. Run it in its own goroutine.
func (n *Notifier) Start(ctx context.Context, sub <-chan events.Event) {
	logger := ctxlog.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			n.emit(logger, ev)
		}
	}
}

func (n *Notifier) emit(logger *slog.Logger, ev events.Event) {
	if !n.connected.Load() {
		logger.Debug("Notifier not connected, dropping event.", "job_id", ev.JobID, "node_id", ev.NodeID)
		return
	}
	payload := map[string]any{
		"job_id":    ev.JobID,
		"node_id":   ev.NodeID,
		"from":      ev.From.String(),
		"to":        ev.To.String(),
		"attempt":   ev.Attempt,
		"timestamp": ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if ev.Err != "" {
		payload["error"] = ev.Err
	}
	n.io.Emit(n.cfg.Event, payload)
}

// Close disconnects from the endpoint.
func (n *Notifier) Close() {
	n.io.Disconnect()
}
