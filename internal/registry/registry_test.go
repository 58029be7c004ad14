package registry

import (
	"sync"
	"testing"
)

func TestProxyRegistryPortUniqueness(t *testing.T) {
	r := NewProxyRegistry()
	if err := r.TryReservePort(18001, "proxy-1"); err != nil {
		t.Fatalf("first reservation should succeed: %v", err)
	}
	if err := r.TryReservePort(18001, "proxy-2"); err == nil {
		t.Fatal("second reservation of the same port should fail")
	}
	r.Insert(&Proxy{ProxyID: "proxy-1", RemotePort: 18001})

	r.Remove("proxy-1")
	if err := r.TryReservePort(18001, "proxy-2"); err != nil {
		t.Fatalf("port should be free after Remove: %v", err)
	}
}

func TestProxyRegistryConcurrentAccess(t *testing.T) {
	r := NewProxyRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port := uint16(20000 + i)
			id := string(rune('a' + i%26))
			if err := r.TryReservePort(port, id); err == nil {
				r.Insert(&Proxy{ProxyID: id, RemotePort: port})
			}
			_ = r.Snapshot()
		}(i)
	}
	wg.Wait()
}

func TestConnectionRegistryInsertGetRemove(t *testing.T) {
	r := NewConnectionRegistry()
	closed := false
	r.Insert(&Connection{ConnectionID: "c1", Close: func() error { closed = true; return nil }})

	if _, ok := r.Get("c1"); !ok {
		t.Fatal("expected to find inserted connection")
	}
	if r.Len() != 1 {
		t.Fatalf("expected len 1, got %d", r.Len())
	}

	c, ok := r.Remove("c1")
	if !ok {
		t.Fatal("expected Remove to find the connection")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !closed {
		t.Fatal("expected Close callback to run")
	}
	if _, ok := r.Get("c1"); ok {
		t.Fatal("expected connection to be gone after Remove")
	}
}

func TestConnectionRegistryCloseAll(t *testing.T) {
	r := NewConnectionRegistry()
	var closedCount int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		r.Insert(&Connection{ConnectionID: id, Close: func() error {
			mu.Lock()
			closedCount++
			mu.Unlock()
			return nil
		}})
	}
	r.CloseAll()
	if closedCount != 5 {
		t.Fatalf("expected 5 closed connections, got %d", closedCount)
	}
	if r.Len() != 0 {
		t.Fatalf("expected registry empty after CloseAll, got %d", r.Len())
	}
}
