package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mngfx/market-feed/cmd/gateway/internal/protocol"
	"github.com/mngfx/market-feed/cmd/gateway/internal/repository"
	"github.com/mngfx/market-feed/pkg/channels"
	"github.com/mngfx/market-feed/pkg/models"
)

// MockLayer is an in-memory channel layer that counts membership calls
type MockLayer struct {
	*channels.MemoryLayer

	Mu        sync.Mutex
	Adds      map[string]int // member id -> GroupAdd calls
	Discards  map[string]int // member id -> GroupDiscard calls
	FailAdd   bool
	SendCalls int
}

func NewMockLayer(inner *channels.MemoryLayer) *MockLayer {
	return &MockLayer{
		MemoryLayer: inner,
		Adds:        make(map[string]int),
		Discards:    make(map[string]int),
	}
}

func (m *MockLayer) GroupAdd(ctx context.Context, group string, member channels.Member) error {
	m.Mu.Lock()
	m.Adds[member.ID()]++
	fail := m.FailAdd
	m.Mu.Unlock()

	if fail {
		return errors.New("broker unavailable")
	}
	return m.MemoryLayer.GroupAdd(ctx, group, member)
}

func (m *MockLayer) GroupDiscard(ctx context.Context, group string, memberID string) error {
	m.Mu.Lock()
	m.Discards[memberID]++
	m.Mu.Unlock()
	return m.MemoryLayer.GroupDiscard(ctx, group, memberID)
}

func (m *MockLayer) GroupSend(ctx context.Context, group string, ev models.Event) error {
	m.Mu.Lock()
	m.SendCalls++
	m.Mu.Unlock()
	return m.MemoryLayer.GroupSend(ctx, group, ev)
}

func (m *MockLayer) DiscardCount(id string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Discards[id]
}

// MockSnapshotStore serves fixed ticks
type MockSnapshotStore struct {
	Ticks map[string]models.Tick
	Err   error
}

func (m *MockSnapshotStore) Latest(ctx context.Context, symbol string) (*models.Tick, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	t, ok := m.Ticks[symbol]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

// FrameSource is the outbound side of a session
type FrameSource interface {
	Ready() <-chan struct{}
	Pop() ([]byte, bool)
}

// Drain decodes every frame currently queued on src without blocking
func Drain(t *testing.T, src FrameSource) []protocol.Frame {
	t.Helper()
	var frames []protocol.Frame
	for {
		b, ok := src.Pop()
		if !ok {
			return frames
		}
		frames = append(frames, Decode(t, b))
	}
}

// Next waits for one frame on src
func Next(t *testing.T, src FrameSource) protocol.Frame {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		if b, ok := src.Pop(); ok {
			return Decode(t, b)
		}
		select {
		case <-src.Ready():
		case <-timeout:
			t.Fatal("Timed out waiting for frame")
			return protocol.Frame{}
		}
	}
}

func Decode(t *testing.T, b []byte) protocol.Frame {
	t.Helper()
	var f protocol.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		t.Fatalf("Invalid frame %s: %v", b, err)
	}
	return f
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}
