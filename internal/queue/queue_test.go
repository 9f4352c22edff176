package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/paneldns/paneldns/internal/metrics"
)

func openTestQueues(t *testing.T) *Queues {
	t.Helper()
	qs, err := Open(filepath.Join(t.TempDir(), "queues"), metrics.New(false))
	if err != nil {
		t.Fatalf("open queues: %v", err)
	}
	t.Cleanup(func() { qs.Close() })
	return qs
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	qs := openTestQueues(t)

	domains := []string{"a.example.com", "b.example.com", "c.example.com"}
	for _, d := range domains {
		if err := qs.Save.Enqueue(SaveItem{Domain: d, Source: SourceIngress}); err != nil {
			t.Fatalf("enqueue %s: %v", d, err)
		}
	}

	if got := qs.Save.Len(); got != 3 {
		t.Fatalf("expected queue length 3, got %d", got)
	}

	ctx := context.Background()
	for _, want := range domains {
		msg, err := qs.Save.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		var item SaveItem
		if err := msg.Decode(&item); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if item.Domain != want {
			t.Errorf("FIFO order broken: got %s, want %s", item.Domain, want)
		}
		if err := msg.Ack(); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}

	if got := qs.Save.Len(); got != 0 {
		t.Errorf("expected empty queue, got %d", got)
	}
}

func TestUnackedItemRedelivered(t *testing.T) {
	qs := openTestQueues(t)

	if err := qs.Delete.Enqueue(DeleteItem{Domain: "example.com"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Dequeue without ack: the item must still be the head on the next try.
	first, err := qs.Delete.TryDequeue()
	if err != nil || first == nil {
		t.Fatalf("first dequeue: msg=%v err=%v", first, err)
	}

	second, err := qs.Delete.TryDequeue()
	if err != nil || second == nil {
		t.Fatalf("second dequeue: msg=%v err=%v", second, err)
	}

	var item DeleteItem
	if err := second.Decode(&item); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if item.Domain != "example.com" {
		t.Errorf("unexpected item after redelivery: %s", item.Domain)
	}

	if err := second.Ack(); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if msg, _ := qs.Delete.TryDequeue(); msg != nil {
		t.Error("expected queue empty after ack")
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	qs := openTestQueues(t)

	done := make(chan SaveItem, 1)
	go func() {
		msg, err := qs.Save.Dequeue(context.Background())
		if err != nil {
			return
		}
		var item SaveItem
		msg.Decode(&item)
		msg.Ack()
		done <- item
	}()

	time.Sleep(50 * time.Millisecond)
	if err := qs.Save.Enqueue(SaveItem{Domain: "late.example.com"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case item := <-done:
		if item.Domain != "late.example.com" {
			t.Errorf("got %s", item.Domain)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("dequeue did not wake after enqueue")
	}
}

func TestDequeueCancellable(t *testing.T) {
	qs := openTestQueues(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := qs.Save.Dequeue(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestPendingSnapshot(t *testing.T) {
	qs := openTestQueues(t)

	now := time.Now()
	for i := 1; i <= 3; i++ {
		item := RetryItem{
			Kind:      KindSave,
			Save:      &SaveItem{Domain: "r.example.com"},
			Attempt:   i,
			NotBefore: now,
		}
		if err := qs.Retry.Enqueue(item); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	msgs, err := qs.Retry.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 pending items, got %d", len(msgs))
	}
	if qs.Retry.Len() != 3 {
		t.Error("scan must not consume the queue")
	}

	var item RetryItem
	if err := msgs[0].Decode(&item); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if item.Attempt != 1 {
		t.Errorf("scan order broken: first attempt=%d", item.Attempt)
	}

	for _, msg := range msgs {
		if err := msg.Ack(); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	if qs.Retry.Len() != 0 {
		t.Error("retry queue not empty after acking scan")
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	qs := openTestQueues(t)

	qs.Save.Enqueue(SaveItem{Domain: "s.example.com"})
	qs.Delete.Enqueue(DeleteItem{Domain: "d.example.com"})

	if qs.Save.Len() != 1 || qs.Delete.Len() != 1 || qs.Retry.Len() != 0 {
		t.Errorf("queue isolation broken: save=%d delete=%d retry=%d",
			qs.Save.Len(), qs.Delete.Len(), qs.Retry.Len())
	}
}
