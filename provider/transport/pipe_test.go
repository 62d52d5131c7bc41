package transport

import (
	"context"
	"testing"
	"time"
)

func TestPipe(t *testing.T) {
	a, b := NewPipe()

	if err := a.WriteMessage([]byte("ping")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	msg, err := b.ReadMessage()
	if err != nil || string(msg) != "ping" {
		t.Fatalf("Expected ping, got %q (%v)", msg, err)
	}

	if err := b.WriteMessage([]byte("pong")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	msg, err = a.ReadMessage()
	if err != nil || string(msg) != "pong" {
		t.Fatalf("Expected pong, got %q (%v)", msg, err)
	}
}

func TestPipeCloseUnblocksReader(t *testing.T) {
	a, b := NewPipe()

	done := make(chan error, 1)
	go func() {
		_, err := b.ReadMessage()
		done <- err
	}()

	a.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Reader was not unblocked by close")
	}

	if err := b.WriteMessage([]byte("x")); err != ErrClosed {
		t.Errorf("Expected ErrClosed on write, got %v", err)
	}
}

func TestConnectorFunc(t *testing.T) {
	var dialed string
	c := ConnectorFunc(func(ctx context.Context, url string) (IConn, error) {
		dialed = url
		a, _ := NewPipe()
		return a, nil
	})
	if _, err := c.Dial(context.Background(), "ws://x/doc"); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if dialed != "ws://x/doc" || c.GetName() != "func" {
		t.Errorf("Unexpected dial %q / name %q", dialed, c.GetName())
	}
}
