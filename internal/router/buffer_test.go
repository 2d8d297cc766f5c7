package router

import (
	"sync"
	"testing"
	"time"

	"github.com/rickgao/account-aggregator/internal/model"
)

func TestGrowableBuffer_FIFO(t *testing.T) {
	buf := NewGrowableBuffer[int](10)

	for i := 0; i < 5; i++ {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}
	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := buf.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}

	if _, ok := buf.TryReceive(); ok {
		t.Error("TryReceive() on empty buffer returned true")
	}
}

func TestGrowableBuffer_GrowKeepsOrder(t *testing.T) {
	buf := NewGrowableBuffer[int](5)

	// Wrap the ring before growing.
	buf.Send(1)
	buf.Send(2)
	buf.Send(3)
	buf.TryReceive()
	buf.TryReceive()
	for i := 4; i <= 40; i++ {
		buf.Send(i)
	}

	stats := buf.Stats()
	if stats.ResizeCount == 0 {
		t.Error("expected at least one resize")
	}
	if stats.Capacity <= 5 {
		t.Errorf("Capacity = %d, want growth", stats.Capacity)
	}
	if stats.Peak != 38 {
		t.Errorf("Peak = %d, want 38", stats.Peak)
	}

	for want := 3; want <= 40; want++ {
		got, ok := buf.TryReceive()
		if !ok || got != want {
			t.Fatalf("TryReceive() = %d, %v, want %d", got, ok, want)
		}
	}
}

func TestGrowableBuffer_CloseUnblocksReceive(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	buf.Send(1)

	done := make(chan bool)
	go func() {
		v, ok := buf.Receive()
		if !ok || v != 1 {
			t.Errorf("first Receive() = %d, %v", v, ok)
		}
		_, ok = buf.Receive()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	buf.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Receive() after Close on empty buffer returned true")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Receive")
	}

	if buf.Send(2) {
		t.Error("Send after Close returned true")
	}
}

func TestGrowableBuffer_DrainTo(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	for i := 0; i < 10; i++ {
		buf.Send(i)
	}

	items := buf.DrainTo(4)
	if len(items) != 4 || items[0] != 0 || items[3] != 3 {
		t.Errorf("DrainTo(4) = %v", items)
	}

	items = buf.DrainTo(0) // 0 means all
	if len(items) != 6 {
		t.Errorf("DrainTo(0) returned %d items, want 6", len(items))
	}
	if buf.DrainTo(0) != nil {
		t.Error("DrainTo on empty buffer should return nil")
	}
}

func TestGrowableBuffer_WaitDrain(t *testing.T) {
	buf := NewGrowableBuffer[model.RawEvent](4)

	got := make(chan []model.RawEvent, 1)
	go func() {
		items, ok := buf.WaitDrain(10)
		if !ok {
			t.Error("WaitDrain() returned false with items pending")
		}
		got <- items
	}()

	time.Sleep(20 * time.Millisecond)
	buf.Send(model.RawEvent{Login: "1"})

	select {
	case items := <-got:
		if len(items) != 1 || items[0].Login != "1" {
			t.Errorf("WaitDrain() = %+v", items)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitDrain did not wake on Send")
	}

	// Remaining items are delivered after Close, then false.
	buf.Send(model.RawEvent{Login: "2"})
	buf.Close()
	items, ok := buf.WaitDrain(10)
	if !ok || len(items) != 1 {
		t.Errorf("WaitDrain() after Close = %v, %v", items, ok)
	}
	if _, ok := buf.WaitDrain(10); ok {
		t.Error("WaitDrain() on closed empty buffer returned true")
	}
}

func TestGrowableBuffer_ConcurrentSendReceive(t *testing.T) {
	buf := NewGrowableBuffer[int](10)
	const numItems = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			buf.Send(i)
		}
	}()

	// A single consumer sees items in send order.
	for want := 0; want < numItems; want++ {
		got, ok := buf.Receive()
		if !ok || got != want {
			t.Fatalf("Receive() = %d, %v, want %d", got, ok, want)
		}
	}
	wg.Wait()

	stats := buf.Stats()
	if stats.TotalReceived != numItems || stats.TotalSent != numItems {
		t.Errorf("stats = %+v", stats)
	}
}

func TestNewGrowableBuffer_MinCapacity(t *testing.T) {
	for _, c := range []int{0, -5} {
		if buf := NewGrowableBuffer[int](c); buf.Stats().Capacity != 1 {
			t.Errorf("Capacity = %d, want 1 for initial capacity %d", buf.Stats().Capacity, c)
		}
	}
}
