package bus

import (
	"sync"
	"testing"
)

// collector records deliveries
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) deliver(data []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(data))
	c.mu.Unlock()
}

func (c *collector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestPostExcludesSender(t *testing.T) {
	r := NewRegistry()
	var a, b, c collector
	ma := r.Join("ws://host/doc", a.deliver)
	r.Join("ws://host/doc", b.deliver)
	r.Join("ws://host/doc", c.deliver)

	if n := ma.Post([]byte("hello")); n != 2 {
		t.Errorf("Expected 2 receivers, got %d", n)
	}
	if len(a.get()) != 0 {
		t.Errorf("Sender received its own message")
	}
	if len(b.get()) != 1 || len(c.get()) != 1 {
		t.Errorf("Expected one message each, got %v and %v", b.get(), c.get())
	}
}

func TestChannelIsolation(t *testing.T) {
	r := NewRegistry()
	var a1, a2, b1 collector
	ma := r.Join("A", a1.deliver)
	r.Join("A", a2.deliver)
	mb := r.Join("B", b1.deliver)

	ma.Post([]byte("for A"))
	mb.Post([]byte("for B"))

	if got := a2.get(); len(got) != 1 || got[0] != "for A" {
		t.Errorf("Expected a2 to receive only 'for A', got %v", got)
	}
	if got := b1.get(); len(got) != 0 {
		t.Errorf("Member of B received %v", got)
	}
	if got := a1.get(); len(got) != 0 {
		t.Errorf("Member of A received %v", got)
	}
}

func TestReceiversGetCopies(t *testing.T) {
	r := NewRegistry()
	var got []byte
	ma := r.Join("A", func(data []byte) {})
	r.Join("A", func(data []byte) { got = data })

	msg := []byte("abc")
	ma.Post(msg)
	msg[0] = 'x'

	if string(got) != "abc" {
		t.Errorf("Receiver saw sender mutation: %s", got)
	}
}

func TestLeave(t *testing.T) {
	r := NewRegistry()
	var b collector
	ma := r.Join("A", func([]byte) {})
	mb := r.Join("A", b.deliver)

	mb.Leave()
	mb.Leave()
	if n := ma.Post([]byte("x")); n != 0 {
		t.Errorf("Expected no receivers after leave, got %d", n)
	}
	if n := mb.Post([]byte("x")); n != 0 {
		t.Errorf("Post after leave must be a no-op")
	}
	if r.Members("A") != 1 {
		t.Errorf("Expected 1 member, got %d", r.Members("A"))
	}

	ma.Leave()
	if r.Channels() != 0 {
		t.Errorf("Expected empty channel to be removed, got %d channels", r.Channels())
	}
}

func TestConcurrentJoinLeavePost(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := r.Join("A", func([]byte) {})
			for j := 0; j < 20; j++ {
				m.Post([]byte("x"))
			}
			m.Leave()
		}()
	}
	wg.Wait()

	if r.Channels() != 0 || r.Members("A") != 0 {
		t.Errorf("Expected registry to be empty, got %d channels", r.Channels())
	}
}
