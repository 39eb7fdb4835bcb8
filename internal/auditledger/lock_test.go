package auditledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestLockScope_releasedScopesAreDropped(t *testing.T) {
	l, err := New(NewMemoryStore(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scope := fmt.Sprintf("scope-%d", i%5)
			if _, err := l.Append(context.Background(), scope, "agent", "X", nil); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.locks) != 0 {
		t.Errorf("expected no scope locks after all appends returned, got %d", len(l.locks))
	}
	for i := 0; i < 5; i++ {
		if n, _ := l.store.Len(context.Background(), fmt.Sprintf("scope-%d", i)); n != 10 {
			t.Errorf("scope-%d: got %d entries, want 10", i, n)
		}
	}
}
