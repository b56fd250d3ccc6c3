package leoqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/leohq/leo/internal/leoqueue"
)

func TestInMemoryFIFOOrder(t *testing.T) {
	q := leoqueue.NewInMemory(time.Minute)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		if err := q.SendMessage(ctx, body); err != nil {
			t.Fatalf("SendMessage(%q): %v", body, err)
		}
	}

	msgs, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if msgs[i].Body() != want {
			t.Errorf("msgs[%d].Body() = %q, want %q", i, msgs[i].Body(), want)
		}
	}
}

func TestInMemoryReceiveRespectsMax(t *testing.T) {
	q := leoqueue.NewInMemory(time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = q.SendMessage(ctx, "x")
	}
	msgs, err := q.Receive(ctx, 2)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
}

func TestInMemoryCompleteRemovesMessage(t *testing.T) {
	q := leoqueue.NewInMemory(50 * time.Millisecond)
	ctx := context.Background()
	_ = q.SendMessage(ctx, "a")

	msgs, err := q.Receive(ctx, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Receive: msgs=%v err=%v", msgs, err)
	}
	if err := msgs[0].Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	redelivered, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive after Complete: %v", err)
	}
	if len(redelivered) != 0 {
		t.Fatalf("got %d redelivered messages, want 0 (Complete should prevent redelivery)", len(redelivered))
	}
}

func TestInMemoryReleaseMakesMessageImmediatelyAvailable(t *testing.T) {
	q := leoqueue.NewInMemory(time.Minute)
	ctx := context.Background()
	_ = q.SendMessage(ctx, "a")

	msgs, err := q.Receive(ctx, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Receive: msgs=%v err=%v", msgs, err)
	}
	if err := msgs[0].Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	redelivered, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive after Release: %v", err)
	}
	if len(redelivered) != 1 {
		t.Fatalf("got %d redelivered messages, want 1", len(redelivered))
	}
}

func TestInMemoryExpiredLeaseIsRedelivered(t *testing.T) {
	q := leoqueue.NewInMemory(20 * time.Millisecond)
	ctx := context.Background()
	_ = q.SendMessage(ctx, "a")

	if _, err := q.Receive(ctx, 10); err != nil {
		t.Fatalf("first Receive: %v", err)
	}
	// Not completed or released: the message should come back once its
	// lease expires.
	redelivered, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("immediate second Receive: %v", err)
	}
	if len(redelivered) != 0 {
		t.Fatal("message redelivered before its lease expired")
	}

	time.Sleep(50 * time.Millisecond)
	redelivered, err = q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive after lease expiry: %v", err)
	}
	if len(redelivered) != 1 {
		t.Fatalf("got %d messages after lease expiry, want 1", len(redelivered))
	}
}

func TestInMemoryDeleteIfExistsClearsQueue(t *testing.T) {
	q := leoqueue.NewInMemory(time.Minute)
	ctx := context.Background()
	_ = q.SendMessage(ctx, "a")
	_ = q.SendMessage(ctx, "b")

	if err := q.DeleteIfExists(ctx); err != nil {
		t.Fatalf("DeleteIfExists: %v", err)
	}
	msgs, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages after DeleteIfExists, want 0", len(msgs))
	}
}
