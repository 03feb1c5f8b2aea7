// Package sink forwards run events to an external socket.io endpoint. It
// is a read-only observer: a slow or broken sink never affects the run,
// it is simply disconnected from the bus.
package sink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/stitchgrid/internal/bus"
	"github.com/vk/stitchgrid/internal/ctxlog"
)

// Config holds the connection settings for one socket.io sink.
type Config struct {
	// URL is the socket.io endpoint, including path.
	URL string
	// Namespace to attach to; empty means the root namespace.
	Namespace string
	// EmitEvent is the event name used for forwarded run events.
	EmitEvent string
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool
}

// SocketSink streams bus events to a socket.io server as JSON.
type SocketSink struct {
	cfg Config
}

// New creates a sink from the given config, applying defaults.
func New(cfg Config) *SocketSink {
	if cfg.EmitEvent == "" {
		cfg.EmitEvent = "stitchgrid.event"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &SocketSink{cfg: cfg}
}

// Run connects to the endpoint and forwards every bus event until the
// context is cancelled, the bus closes, or the sink falls behind. A
// subscriber overrun is reported but is not fatal to the caller's run.
func (s *SocketSink) Run(ctx context.Context, events *bus.Bus) error {
	logger := ctxlog.FromContext(ctx).With("sink", "socketio", "url", s.cfg.URL)
	logger.Debug("Sink started.")
	defer logger.Debug("Sink finished.")

	parsedURL, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("parsing sink URL: %w", err)
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if s.cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification.")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(s.cfg.Namespace, opts)
	defer func() {
		logger.Debug("Disconnecting sink client.")
		io.Disconnect()
	}()

	var isConnected atomic.Bool
	connected := make(chan struct{}, 1)
	connErr := make(chan error, 1)

	io.On(types.EventName("connect"), func(...any) {
		isConnected.Store(true)
		logger.Info("Sink connected.", "namespace", s.cfg.Namespace, "sid", io.Id())
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	io.On(types.EventName("connect_error"), func(errs ...any) {
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				select {
				case connErr <- e:
				default:
				}
			}
		}
	})

	io.Connect()

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	select {
	case <-connected:
	case err := <-connErr:
		return fmt.Errorf("sink connection failed: %w", err)
	case <-connectCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("timed out while waiting for initial sink connection")
	}

	sub := events.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				var overrun *bus.SubscriberOverrunError
				if err := sub.Err(); errors.As(err, &overrun) {
					logger.Warn("Sink fell behind and was disconnected from the bus.", "capacity", overrun.Capacity, "dropped_seq", overrun.DroppedSeq)
					return err
				}
				return nil
			}
			encoded, err := json.Marshal(ev)
			if err != nil {
				logger.Warn("Dropping unencodable event.", "seq", ev.Seq, "type", string(ev.Type), "error", err)
				continue
			}
			io.Emit(s.cfg.EmitEvent, string(encoded))
		}
	}
}
