package outbound

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueSendReceive(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	if err := q.Send(ctx, "job-1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := q.Send(ctx, "job-2"); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, err := q.Receive(ctx, 10, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Body != "job-1" || msgs[1].Body != "job-2" {
		t.Fatalf("unexpected bodies: %+v", msgs)
	}
	if msgs[0].ID == "" || msgs[0].ReceiptHandle == "" {
		t.Fatal("memory queue must assign ids and receipt handles")
	}
}

func TestMemoryQueueReceiveTimeout(t *testing.T) {
	q := NewMemoryQueue(1)

	start := time.Now()
	msgs, err := q.Receive(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msgs != nil {
		t.Fatalf("expected no messages, got %+v", msgs)
	}
	if time.Since(start) < 500*time.Millisecond {
		t.Fatal("receive returned before the wait elapsed")
	}
}

func TestMemoryQueueReceiveHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := q.Receive(ctx, 1, 0); err == nil {
		t.Fatal("expected context error")
	}
}

func TestMemoryQueueDeleteNoop(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Delete(context.Background(), "any"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
