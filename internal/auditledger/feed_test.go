package auditledger_test

import (
	"testing"
	"time"

	"github.com/jmerrifield20/govledger/internal/auditledger"
)

func TestFeed_deliversAppendsForScope(t *testing.T) {
	l := newLedger(t, auditledger.NewMemoryStore())
	feed := auditledger.NewFeed(8)
	l.OnAppend(feed.Publish)

	ch, cancel := feed.Subscribe("org")
	defer cancel()

	_, _ = l.Append(ctx, "other", "agent", "IGNORED", nil)
	want, err := l.Append(ctx, "org", "agent", "X", map[string]any{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if got.Hash != want.Hash || got.Index != want.Index {
			t.Errorf("got entry %d/%s, want %d/%s", got.Index, got.Hash, want.Index, want.Hash)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}

	select {
	case e := <-ch:
		t.Errorf("unexpected extra entry: %+v", e)
	default:
	}
}

func TestFeed_slowSubscriberDoesNotBlock(t *testing.T) {
	feed := auditledger.NewFeed(1)
	_, cancel := feed.Subscribe("org")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			feed.Publish("org", auditledger.Entry{Index: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestFeed_cancelClosesChannel(t *testing.T) {
	feed := auditledger.NewFeed(0)
	ch, cancel := feed.Subscribe("org")
	if n := feed.Subscribers("org"); n != 1 {
		t.Fatalf("subscribers: got %d, want 1", n)
	}

	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if n := feed.Subscribers("org"); n != 0 {
		t.Errorf("subscribers after cancel: got %d, want 0", n)
	}
	feed.Publish("org", auditledger.Entry{})
}
