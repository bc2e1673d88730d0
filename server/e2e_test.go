package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/wirebus/wirebus/client"
	"github.com/wirebus/wirebus/transport/ws"
)

// startEndToEnd brings up a full server behind an httptest listener and
// a client dialing it over a real websocket.
func startEndToEnd(t *testing.T, auth Authenticator, token string) (*Server, *client.Client) {
	t.Helper()
	logger := zerolog.New(io.Discard)

	srv := NewServer(Config{
		Logger:        &logger,
		Authenticator: auth,
	})
	hs := httptest.NewServer(srv.Server.Handler)
	t.Cleanup(hs.Close)

	tr := ws.New(ws.Config{
		Logger: &logger,
		URL:    "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
		Token:  token,
	})
	cl := client.New(client.Config{
		Logger:         &logger,
		Transport:      tr,
		DefaultTimeout: 3 * time.Second,
	})
	t.Cleanup(cl.Disconnect)
	return srv, cl
}

func acceptAll(_ context.Context, credential string) (any, error) {
	return map[string]string{"user": credential}, nil
}

func TestEndToEndConnectAndEcho(t *testing.T) {
	srv, cl := startEndToEnd(t, acceptAll, "alice")
	err := srv.Handle("echo", func(_ context.Context, data json.RawMessage) (any, error) {
		return data, nil
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	session, err := cl.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	var sess map[string]string
	if err = json.Unmarshal(session, &sess); err != nil || sess["user"] != "alice" {
		t.Fatalf("session = %s (err %v)", session, err)
	}

	data, err := cl.Request(context.Background(), "echo", map[string]int{"n": 7})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	var payload map[string]int
	if err = json.Unmarshal(data, &payload); err != nil || payload["n"] != 7 {
		t.Errorf("echo returned %s (err %v)", data, err)
	}
}

func TestEndToEndUnknownRoute(t *testing.T) {
	_, cl := startEndToEnd(t, acceptAll, "alice")
	if _, err := cl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	_, err := cl.Request(context.Background(), "missing", nil)
	if err == nil {
		t.Fatal("unknown route did not fail")
	}
	var reply *client.ReplyError
	if !errors.As(err, &reply) {
		t.Fatalf("error = %v (%T)", err, err)
	}
	if !strings.Contains(reply.Message, "Unknown route: missing") {
		t.Errorf("message = %q", reply.Message)
	}
}

func TestEndToEndStoreAndForward(t *testing.T) {
	srv, cl := startEndToEnd(t, acceptAll, "alice")
	ctx := context.Background()

	// two messages stored before anyone is in the room
	for i := 1; i <= 2; i++ {
		if err := srv.SendToRoom(ctx, "R", "news", map[string]int{"n": i}); err != nil {
			t.Fatalf("SendToRoom failed: %v", err)
		}
	}

	got := make(chan int, 8)
	err := cl.Handle("news", func(_ context.Context, data json.RawMessage) (any, error) {
		var payload map[string]int
		if jErr := json.Unmarshal(data, &payload); jErr != nil {
			t.Errorf("push payload unreadable: %v", jErr)
			return nil, jErr
		}
		got <- payload["n"]
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if _, err = cl.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err = cl.Join(ctx, "R"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	// live send once the room has a member
	if err = srv.SendToRoom(ctx, "R", "news", map[string]int{"n": 3}); err != nil {
		t.Fatalf("SendToRoom failed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		select {
		case n := <-got:
			if n != want {
				t.Fatalf("push carries n=%d, want %d", n, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("push %d never arrived", want)
		}
	}
	select {
	case n := <-got:
		t.Fatalf("duplicate push n=%d", n)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEndToEndSlowHandlerTimesOut(t *testing.T) {
	srv, cl := startEndToEnd(t, acceptAll, "alice")
	err := srv.Handle("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
		return "late", nil
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if _, err = cl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	_, err = cl.Request(context.Background(), "slow", nil, client.WithTimeout(200*time.Millisecond))
	if err == nil {
		t.Fatal("slow request did not time out")
	}
	if err.Error() != "TIMEOUT: slow (200ms)" {
		t.Errorf("error = %q", err)
	}
}

func TestEndToEndAuthRejected(t *testing.T) {
	_, cl := startEndToEnd(t, func(_ context.Context, credential string) (any, error) {
		if credential != "secret" {
			return nil, ErrCredentialRejected
		}
		return nil, nil
	}, "wrong")

	_, err := cl.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded with a rejected credential")
	}
	var authErr *client.AuthRejectedError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v (%T)", err, err)
	}
	if authErr.Code != "AUTH_FAIL" {
		t.Errorf("code = %q", authErr.Code)
	}
}
