package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func startServer(t *testing.T, handle func(conn *websocket.Conn, request *http.Request)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		conn, err := testUpgrader.Upgrade(writer, request, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		handle(conn, request)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func awaitClose(t *testing.T, transport Transport) CloseEvent {
	t.Helper()
	select {
	case event := <-transport.Closed():
		return event
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for close")
		return CloseEvent{}
	}
}

func TestWebSocketRoundTripWithBearerToken(t *testing.T) {
	authorization := make(chan string, 1)
	url := startServer(t, func(conn *websocket.Conn, request *http.Request) {
		authorization <- request.Header.Get("Authorization")
		server := NewServerTransport(conn, HeartbeatConfig{}, nil)
		for payload := range server.Incoming() {
			if err := server.Send(append([]byte("echo:"), payload...)); err != nil {
				return
			}
		}
	})

	client, err := WebSocketDialer{URL: url, Token: "secret"}.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if got := <-authorization; got != "Bearer secret" {
		t.Fatalf("expected bearer header, got %q", got)
	}
	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	select {
	case reply := <-client.Incoming():
		if string(reply) != "echo:hello" {
			t.Fatalf("unexpected reply %q", reply)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for echo")
	}

	if err := client.Close(CloseNormal, "done"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	event := awaitClose(t, client)
	if event.Code != CloseNormal || !event.Local {
		t.Fatalf("unexpected close event %+v", event)
	}
	if err := client.Send([]byte("late")); err != ErrClosed {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestHeartbeatTimeoutClosesSilentConnection(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client, err := WebSocketDialer{
		URL:       url,
		Heartbeat: HeartbeatConfig{Interval: 10 * time.Millisecond, Timeout: 60 * time.Millisecond},
	}.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	event := awaitClose(t, client)
	if event.Code != CloseHeartbeatTimeout {
		t.Fatalf("expected heartbeat timeout close, got %+v", event)
	}
	if !ShouldReconnect(event.Code) {
		t.Fatalf("heartbeat timeout must be transient")
	}
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		server := NewServerTransport(conn, HeartbeatConfig{Timeout: time.Second}, nil)
		<-server.Closed()
	})

	client, err := WebSocketDialer{
		URL:       url,
		Heartbeat: HeartbeatConfig{Interval: 10 * time.Millisecond, Timeout: 80 * time.Millisecond},
	}.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	select {
	case event := <-client.Closed():
		t.Fatalf("connection closed despite pongs: %+v", event)
	case <-time.After(300 * time.Millisecond):
	}
	_ = client.Close(CloseNormal, "done")
}

func TestRemoteCloseCodeIsReported(t *testing.T) {
	url := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		message := websocket.FormatCloseMessage(CloseGoingAway, "restarting")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		time.Sleep(50 * time.Millisecond)
		_ = conn.Close()
	})

	client, err := WebSocketDialer{URL: url}.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	event := awaitClose(t, client)
	if event.Code != CloseGoingAway || event.Local {
		t.Fatalf("expected remote going-away close, got %+v", event)
	}
}
