// Package session holds the per-connection market session: lifecycle,
// broadcast group membership, command handling and outbound frames. It
// knows nothing about the socket; the gateway drives it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mngfx/market-feed/cmd/gateway/internal/protocol"
	"github.com/mngfx/market-feed/pkg/channels"
	"github.com/mngfx/market-feed/pkg/config"
	"github.com/mngfx/market-feed/pkg/metrics"
	"github.com/mngfx/market-feed/pkg/models"
)

type State int32

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ErrNotConnecting is returned by Open on a session that was already opened or closed.
var ErrNotConnecting = errors.New("session is not connecting")

type Options struct {
	Group          string
	SendBuffer     int
	OverflowPolicy string
}

func DefaultOptions() Options {
	return Options{
		Group:          models.BroadcastGroup,
		SendBuffer:     256,
		OverflowPolicy: config.PolicyDropOldest,
	}
}

func OptionsFromConfig(cfg config.GatewayConfig) Options {
	opts := DefaultOptions()
	opts.SendBuffer = cfg.SendBuffer
	opts.OverflowPolicy = cfg.OverflowPolicy
	return opts
}

// Compile-time check to ensure Session can join a channel layer group
var _ channels.Member = (*Session)(nil)

type Session struct {
	id     string
	group  string
	layer  channels.Layer
	logger *zap.Logger
	out    *Outbox

	state atomic.Int32

	mu     sync.Mutex
	symbol string

	closeOnce sync.Once
	done      chan struct{}
}

func New(layer channels.Layer, logger *zap.Logger, opts Options) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		group:  opts.Group,
		layer:  layer,
		logger: logger.With(zap.String("session_id", id)),
		out:    NewOutbox(opts.SendBuffer, opts.OverflowPolicy),
		symbol: models.DefaultSymbol,
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Symbol is the last subscribed symbol. It does not filter ticks.
func (s *Session) Symbol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbol
}

// Ready signals that frames may be waiting in Pop, or that the session closed.
func (s *Session) Ready() <-chan struct{} { return s.out.Ready() }

// Pop returns the next outbound frame in enqueue order.
func (s *Session) Pop() ([]byte, bool) { return s.out.Pop() }

// Ended reports that no more frames will be queued. Frames already queued
// are still returned by Pop.
func (s *Session) Ended() bool { return s.out.Closed() }

func (s *Session) Overflow() <-chan struct{} { return s.out.Overflow() }

func (s *Session) Done() <-chan struct{} { return s.done }

// Open moves the session to OPEN, queues the welcome frame and joins the
// broadcast group, in that order, so welcome precedes any tick.
func (s *Session) Open(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Connecting), int32(Open)) {
		return ErrNotConnecting
	}
	metrics.ActiveSessions.Inc()

	s.reply(protocol.Welcome())

	if err := s.layer.GroupAdd(ctx, s.group, s); err != nil {
		s.Close(context.Background())
		return fmt.Errorf("join %s: %w", s.group, err)
	}
	s.logger.Debug("Session opened", zap.String("group", s.group))
	return nil
}

// HandleMessage processes one inbound text frame. Bad input is answered
// with an error frame; it never ends the session.
func (s *Session) HandleMessage(payload []byte) {
	if s.State() != Open {
		return
	}

	cmd := protocol.ParseCommand(payload)
	switch cmd.Action {
	case protocol.ActionSubscribe:
		symbol := cmd.Symbol
		if symbol == "" {
			symbol = models.DefaultSymbol
		}
		s.mu.Lock()
		s.symbol = symbol
		s.mu.Unlock()
		s.reply(protocol.Subscribed(symbol))
	default:
		s.reply(protocol.UnknownAction())
	}
}

// Deliver is called by the channel layer for every group event. It never
// blocks; after close it refuses everything.
func (s *Session) Deliver(ev models.Event) bool {
	if s.State() != Open {
		return false
	}

	switch ev.Type {
	case models.EventMarketTick:
		if ev.Tick == nil {
			return false
		}
		b, ok := s.encode(protocol.TickFrame(*ev.Tick))
		return ok && s.out.Push(b)
	default:
		s.logger.Debug("Ignoring event", zap.String("type", ev.Type))
		return false
	}
}

// Close leaves the group and ends the frame stream. Only the first call
// does anything.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(Closed)))
		if prev == Open {
			if err := s.layer.GroupDiscard(ctx, s.group, s.id); err != nil {
				s.logger.Warn("Group discard failed", zap.Error(err))
			}
			metrics.ActiveSessions.Dec()
		}
		s.out.Close()
		close(s.done)
		s.logger.Debug("Session closed", zap.Stringer("from", prev))
	})
}

// reply queues a control frame; those are never dropped for ticks.
func (s *Session) reply(f protocol.Frame) {
	if b, ok := s.encode(f); ok {
		s.out.PushControl(b)
	}
}

func (s *Session) encode(f protocol.Frame) ([]byte, bool) {
	b, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("Frame encode failed", zap.String("type", f.Type), zap.Error(err))
		return nil, false
	}
	return b, true
}
