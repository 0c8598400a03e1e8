package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")
	srv := NewServer(nil)
	if err := srv.Start(context.Background(), socketPath); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, socketPath
}

func TestCallResponse(t *testing.T) {
	srv, socketPath := startTestServer(t)
	srv.Register("Echo", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		var req struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, Errorf(CodeProtocol, "invalid params")
		}
		return map[string]string{"value": req.Value}, nil
	})

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	result, err := client.Call(context.Background(), "Echo", map[string]string{"value": "hello"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var resp struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Value != "hello" {
		t.Fatalf("expected hello, got %q", resp.Value)
	}
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	srv, socketPath := startTestServer(t)
	srv.Register("Slow", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		var req struct {
			N     int `json:"n"`
			Delay int `json:"delay"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, Errorf(CodeProtocol, "invalid params")
		}
		time.Sleep(time.Duration(req.Delay) * time.Millisecond)
		return map[string]int{"n": req.N}, nil
	})

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// Later requests answer first; the correlator must route each
	// response to its own caller.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			delay := (8 - i) * 5
			result, err := client.Call(context.Background(), "Slow", map[string]int{"n": i, "delay": delay})
			if err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			var resp struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(result, &resp); err != nil {
				t.Errorf("decode %d: %v", i, err)
				return
			}
			if resp.N != i {
				t.Errorf("call %d got response for %d", i, resp.N)
			}
		}()
	}
	wg.Wait()
}

func TestUnknownMethod(t *testing.T) {
	_, socketPath := startTestServer(t)
	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	_, err = client.Call(context.Background(), "NoSuchMethod", nil)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if rpcErr.Code != CodeProtocol {
		t.Fatalf("expected %s, got %s", CodeProtocol, rpcErr.Code)
	}
}

func TestOperationErrorSurfaces(t *testing.T) {
	srv, socketPath := startTestServer(t)
	srv.Register("Fail", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		return nil, Errorf(CodeOperation, "invalid password")
	})

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	_, err = client.Call(context.Background(), "Fail", nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if rpcErr.Code != CodeOperation || rpcErr.Message != "invalid password" {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}
}

func TestBroadcastReachesAllChannels(t *testing.T) {
	srv, socketPath := startTestServer(t)

	clients := make([]*Client, 3)
	for i := range clients {
		c, err := Dial(socketPath)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		t.Cleanup(func() { c.Close() })
		clients[i] = c
	}

	// Wait until the server has registered every channel.
	deadline := time.Now().Add(time.Second)
	for srv.ChannelCount() < len(clients) {
		if time.Now().After(deadline) {
			t.Fatalf("channels never registered: %d", srv.ChannelCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.Broadcast(Notification{Type: NoteStateUpdated})

	for i, c := range clients {
		select {
		case note := <-c.Notifications():
			if note.Type != NoteStateUpdated {
				t.Fatalf("client %d got %q", i, note.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("client %d never received broadcast", i)
		}
	}
}

func TestBroadcastSkipsDisconnectedChannel(t *testing.T) {
	srv, socketPath := startTestServer(t)

	clients := make([]*Client, 3)
	for i := range clients {
		c, err := Dial(socketPath)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		t.Cleanup(func() { c.Close() })
		clients[i] = c
	}
	deadline := time.Now().Add(time.Second)
	for srv.ChannelCount() < len(clients) {
		if time.Now().After(deadline) {
			t.Fatalf("channels never registered: %d", srv.ChannelCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	clients[1].Close()
	deadline = time.Now().Add(time.Second)
	for srv.ChannelCount() != len(clients)-1 {
		if time.Now().After(deadline) {
			t.Fatalf("closed channel never unregistered: %d", srv.ChannelCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.Broadcast(Notification{Type: NoteStateUpdated})

	for _, i := range []int{0, 2} {
		select {
		case note := <-clients[i].Notifications():
			if note.Type != NoteStateUpdated {
				t.Fatalf("client %d got %q", i, note.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("client %d never received broadcast", i)
		}
	}
	select {
	case note, ok := <-clients[1].Notifications():
		if ok {
			t.Fatalf("disconnected client received %q", note.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("disconnected client's notification channel never closed")
	}
}

func TestNotificationsTerminateAfterClose(t *testing.T) {
	_, socketPath := startTestServer(t)
	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	client.Close()

	// Consumers ranging over Notifications must fall out of the loop
	// once the channel dies instead of blocking forever.
	select {
	case _, ok := <-client.Notifications():
		if ok {
			t.Fatal("expected closed notification channel")
		}
	case <-time.After(time.Second):
		t.Fatal("notification channel still open after close")
	}
}

func TestCloseRejectsPendingCalls(t *testing.T) {
	srv, socketPath := startTestServer(t)
	started := make(chan struct{})
	srv.Register("Hang", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		close(started)
		time.Sleep(10 * time.Second)
		return nil, nil
	})

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	callErr := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "Hang", nil)
		callErr <- err
	}()
	<-started
	client.Close()

	select {
	case err := <-callErr:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call survived channel close")
	}
}

func TestSuspendedHandlerDoesNotBlockChannel(t *testing.T) {
	srv, socketPath := startTestServer(t)
	gate := make(chan struct{})
	srv.Register("Wait", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		<-gate
		return map[string]bool{"ok": true}, nil
	})
	srv.Register("Release", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		close(gate)
		return map[string]bool{"ok": true}, nil
	})

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	waitErr := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "Wait", nil)
		waitErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// The releasing call travels over the same channel the suspended
	// call arrived on.
	if _, err := client.Call(context.Background(), "Release", nil); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-waitErr:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("suspended call never completed")
	}
}
