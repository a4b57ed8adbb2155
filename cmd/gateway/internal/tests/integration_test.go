package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket" // Using Gorilla for the test CLIENT
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mngfx/market-feed/cmd/gateway/internal/gateway"
	"github.com/mngfx/market-feed/cmd/gateway/internal/protocol"
	"github.com/mngfx/market-feed/cmd/gateway/internal/repository"
	"github.com/mngfx/market-feed/cmd/gateway/internal/testutils"
	"github.com/mngfx/market-feed/pkg/channels"
	"github.com/mngfx/market-feed/pkg/models"
	"github.com/mngfx/market-feed/pkg/publisher"
)

func startServer(t *testing.T, layer channels.Layer, store repository.SnapshotStore) (*httptest.Server, *gateway.Server) {
	t.Helper()
	gw := gateway.NewServer(layer, store, zap.NewNop(), gateway.DefaultOptions())
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		gw.Shutdown()
		server.Close()
	})
	return server, gw
}

func connectWS(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws/market/"
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to websocket: %v", err)
	}
	t.Cleanup(func() { wsConn.Close() })
	return wsConn
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	var f protocol.Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		t.Fatalf("Invalid frame %s: %v", msg, err)
	}
	return f
}

func readTick(t *testing.T, conn *websocket.Conn, timeout time.Duration) models.Tick {
	t.Helper()
	f := readFrame(t, conn, timeout)
	if f.Type != protocol.TypeTick || f.Tick == nil {
		t.Fatalf("Expected tick frame, got %+v", f)
	}
	return *f.Tick
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func waitForMembers(t *testing.T, r *channels.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Count(models.BroadcastGroup) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected %d group members, have %d", want, r.Count(models.BroadcastGroup))
}

func publishTick(t *testing.T, sender channels.GroupSender, ts int64) {
	t.Helper()
	tick, err := models.NewTick("EURUSD", decimal.RequireFromString("1.05423"), decimal.RequireFromString("1.05433"), ts)
	if err != nil {
		t.Fatal(err)
	}
	if err := sender.GroupSend(context.Background(), models.BroadcastGroup, models.NewTickEvent(tick)); err != nil {
		t.Fatalf("GroupSend failed: %v", err)
	}
}

func TestEndToEnd_PublisherScenario(t *testing.T) {
	layer := channels.NewMemoryLayer(zap.NewNop())
	server, _ := startServer(t, layer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := publisher.NewTickPublisher(zap.NewNop(), layer, publisher.DefaultOptions(), publisher.NewRealRand(), publisher.RealClock{})
	go pub.Run(ctx)

	a := connectWS(t, server.URL)
	if f := readFrame(t, a, time.Second); f != protocol.Welcome() {
		t.Fatalf("Expected welcome first, got %+v", f)
	}
	first := readTick(t, a, time.Second)
	if first.Symbol != "EURUSD" || !first.Ask.GreaterThan(first.Bid) {
		t.Errorf("Bad tick %+v", first)
	}

	b := connectWS(t, server.URL)
	if f := readFrame(t, b, time.Second); f != protocol.Welcome() {
		t.Fatalf("Expected welcome first for B, got %+v", f)
	}
	bTick := readTick(t, b, 2*time.Second)
	if bTick.Timestamp <= first.Timestamp {
		t.Errorf("B joined after A's first tick; got stale tick %d <= %d", bTick.Timestamp, first.Timestamp)
	}

	// A was a member throughout, so it has B's first tick too
	for {
		aTick := readTick(t, a, 2*time.Second)
		if aTick.Timestamp == bTick.Timestamp {
			break
		}
		if aTick.Timestamp > bTick.Timestamp {
			t.Fatalf("A skipped tick %d seen by B", bTick.Timestamp)
		}
	}

	a.Close()
	waitForMembers(t, layer.Registry(), 1)

	next := readTick(t, b, 2*time.Second)
	if next.Timestamp <= bTick.Timestamp {
		t.Errorf("Expected a newer tick for B, got %d", next.Timestamp)
	}
}

func TestEndToEnd_SubscribeAndUnknownAction(t *testing.T) {
	server, _ := startServer(t, channels.NewMemoryLayer(zap.NewNop()), nil)
	wsConn := connectWS(t, server.URL)
	readFrame(t, wsConn, time.Second)

	send(t, wsConn, `{"action": "subscribe", "symbol": "GBPUSD"}`)
	if f := readFrame(t, wsConn, time.Second); f != protocol.Subscribed("GBPUSD") {
		t.Errorf("Expected subscribed GBPUSD, got %+v", f)
	}

	send(t, wsConn, `{"action": "subscribe"}`)
	if f := readFrame(t, wsConn, time.Second); f != protocol.Subscribed("EURUSD") {
		t.Errorf("Expected subscribed EURUSD, got %+v", f)
	}

	send(t, wsConn, `{"action": "unsubscribe"}`)
	if f := readFrame(t, wsConn, time.Second); f != protocol.UnknownAction() {
		t.Errorf("Expected unknown action, got %+v", f)
	}

	send(t, wsConn, `{"Action": "subscribe", "Symbol": "GBPUSD"}`)
	if f := readFrame(t, wsConn, time.Second); f != protocol.UnknownAction() {
		t.Errorf("Keys are case-sensitive; expected unknown action, got %+v", f)
	}

	send(t, wsConn, `{"action": "subscribe", "symbol": "USDJPY"}`)
	if f := readFrame(t, wsConn, time.Second); f != protocol.Subscribed("USDJPY") {
		t.Errorf("Session should stay usable after an error, got %+v", f)
	}
}

func TestEndToEnd_InvalidJSON(t *testing.T) {
	server, _ := startServer(t, channels.NewMemoryLayer(zap.NewNop()), nil)
	wsConn := connectWS(t, server.URL)
	readFrame(t, wsConn, time.Second)

	send(t, wsConn, `{ "action": "subsc`)
	if f := readFrame(t, wsConn, time.Second); f != protocol.UnknownAction() {
		t.Errorf("Expected error frame for bad JSON, got %+v", f)
	}

	send(t, wsConn, `{"action": "subscribe"}`)
	if f := readFrame(t, wsConn, time.Second); f.Type != protocol.TypeSubscribed {
		t.Errorf("Connection should remain open after bad JSON, got %+v", f)
	}
}

func TestEndToEnd_PingIsAnsweredWithPong(t *testing.T) {
	server, _ := startServer(t, channels.NewMemoryLayer(zap.NewNop()), nil)
	wsConn := connectWS(t, server.URL)
	readFrame(t, wsConn, time.Second)

	pong := make(chan string, 1)
	wsConn.SetPongHandler(func(data string) error {
		select {
		case pong <- data:
		default:
		}
		return nil
	})
	if err := wsConn.WriteControl(websocket.PingMessage, []byte("heartbeat"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	// control frames are only processed while reading
	go func() {
		wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := wsConn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case data := <-pong:
		if data != "heartbeat" {
			t.Errorf("Expected pong to echo the ping payload, got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No pong received")
	}
}

func TestEndToEnd_MaxMessageSize(t *testing.T) {
	server, _ := startServer(t, channels.NewMemoryLayer(zap.NewNop()), nil)
	wsConn := connectWS(t, server.URL)
	readFrame(t, wsConn, time.Second)

	hugePayload := strings.Repeat("a", 513*1024)
	hugeMsg := fmt.Sprintf(`{"action":"subscribe", "symbol": "%s"}`, hugePayload)

	err := wsConn.WriteMessage(websocket.TextMessage, []byte(hugeMsg))
	// Depending on timing, write might succeed, but Read should fail (Disconnect)
	if err == nil {
		wsConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		_, _, err := wsConn.ReadMessage()
		if err == nil {
			t.Error("Server should have closed connection for huge message, but it stayed open")
		}
	}
}

func TestEndToEnd_DisconnectLeavesGroupOnce(t *testing.T) {
	layer := testutils.NewMockLayer(channels.NewMemoryLayer(zap.NewNop()))
	server, gw := startServer(t, layer, nil)

	wsConn := connectWS(t, server.URL)
	readFrame(t, wsConn, time.Second)
	waitForMembers(t, layer.Registry(), 1)

	ids := layer.Registry().Members(models.BroadcastGroup)
	wsConn.Close()
	waitForMembers(t, layer.Registry(), 0)

	// no dangling membership: publishing afterwards reaches nobody and does not fail
	publishTick(t, layer, 1)

	deadline := time.Now().Add(time.Second)
	for gw.SessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if gw.SessionCount() != 0 {
		t.Errorf("Expected no live sessions, got %d", gw.SessionCount())
	}
	if n := layer.DiscardCount(ids[0]); n != 1 {
		t.Errorf("Expected exactly one group discard, got %d", n)
	}
}

func TestEndToEnd_ShutdownClosesSessions(t *testing.T) {
	layer := channels.NewMemoryLayer(zap.NewNop())
	server, gw := startServer(t, layer, nil)
	wsConn := connectWS(t, server.URL)
	readFrame(t, wsConn, time.Second)

	gw.Shutdown()

	wsConn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := wsConn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		t.Errorf("Expected close frame, got %v", err)
	}
	waitForMembers(t, layer.Registry(), 0)
}

func TestEndToEnd_RedisChannelLayer(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gwLayer := channels.NewRedisLayer(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	go gwLayer.Run(ctx)
	defer gwLayer.Close()

	pubLayer := channels.NewRedisLayer(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	defer pubLayer.Close()

	server, _ := startServer(t, gwLayer, nil)
	wsConn := connectWS(t, server.URL)
	readFrame(t, wsConn, time.Second)

	channel := channels.ChannelName(models.BroadcastGroup)
	for i := 0; i < 100 && mr.PubSubNumSub(channel)[channel] == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	publishTick(t, pubLayer, 1700000000000)

	tick := readTick(t, wsConn, 2*time.Second)
	if tick.Timestamp != 1700000000000 || tick.Bid.String() != "1.05423" {
		t.Errorf("Unexpected tick %+v", tick)
	}
}

func TestHTTP_LatestTickAndHealth(t *testing.T) {
	tick, _ := models.NewTick("EURUSD", decimal.RequireFromString("1.05"), decimal.RequireFromString("1.0501"), 9)
	store := &testutils.MockSnapshotStore{Ticks: map[string]models.Tick{"EURUSD": tick}}
	server, _ := startServer(t, channels.NewMemoryLayer(zap.NewNop()), store)

	get := func(path string) (int, string) {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	status, body := get("/api/ticks/EURUSD")
	if status != http.StatusOK || !strings.Contains(body, `"ts":9`) {
		t.Errorf("Expected latest tick, got %d %s", status, body)
	}

	status, _ = get("/api/ticks/GBPUSD")
	if status != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown symbol, got %d", status)
	}

	status, body = get("/healthz")
	if status != http.StatusOK || !strings.Contains(body, "ok") {
		t.Errorf("Expected healthy, got %d %s", status, body)
	}

	status, body = get("/metrics")
	if status != http.StatusOK || !strings.Contains(body, "marketfeed_active_sessions") {
		t.Errorf("Expected metrics, got %d", status)
	}
}

func TestHTTP_LatestTickWithoutStore(t *testing.T) {
	server, _ := startServer(t, channels.NewMemoryLayer(zap.NewNop()), nil)

	resp, err := http.Get(server.URL + "/api/ticks/EURUSD")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without snapshot store, got %d", resp.StatusCode)
	}
}
