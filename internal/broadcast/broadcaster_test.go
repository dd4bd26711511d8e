package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"livewatch/internal/models"
)

type fakeObserver struct {
	id     string
	fail   atomic.Bool
	delay  time.Duration
	sends  atomic.Int32
	closed atomic.Bool

	mu  sync.Mutex
	got []models.Update
}

func newFake(id string) *fakeObserver { return &fakeObserver{id: id} }

func (f *fakeObserver) ID() string { return f.id }

func (f *fakeObserver) Send(ctx context.Context, u models.Update) error {
	f.sends.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail.Load() {
		return errors.New("connection reset by peer")
	}
	f.mu.Lock()
	f.got = append(f.got, u)
	f.mu.Unlock()
	return nil
}

func (f *fakeObserver) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeObserver) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func update(status bool) models.Update {
	return models.Update{
		Status: models.MetricsSnapshot{Status: status, Uptime24h: 100},
		Logs:   []models.LogEntry{{Message: "line"}},
	}
}

func TestPublishWithoutObservers(t *testing.T) {
	b := New(zap.NewNop(), 4)
	if n := b.Publish(context.Background(), update(true)); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	b := New(zap.NewNop(), 4)
	o := newFake("a")

	if !b.Attach(o) {
		t.Fatal("first attach should succeed")
	}
	if b.Attach(o) {
		t.Fatal("second attach should report existing membership")
	}
	if b.Len() != 1 {
		t.Fatalf("len = %d, want 1", b.Len())
	}

	b.Publish(context.Background(), update(true))
	if got := o.received(); got != 1 {
		t.Fatalf("observer received %d messages, want 1", got)
	}
}

func TestPublishDeliversToAll(t *testing.T) {
	b := New(zap.NewNop(), 2)
	observers := make([]*fakeObserver, 10)
	for i := range observers {
		observers[i] = newFake(fmt.Sprintf("obs-%d", i))
		b.Attach(observers[i])
	}

	if n := b.Publish(context.Background(), update(false)); n != len(observers) {
		t.Fatalf("delivered = %d, want %d", n, len(observers))
	}
	for _, o := range observers {
		if o.received() != 1 {
			t.Errorf("%s received %d, want 1", o.id, o.received())
		}
	}
}

func TestFailedObserverIsPruned(t *testing.T) {
	b := New(zap.NewNop(), 4)
	good := newFake("good")
	bad := newFake("bad")
	bad.fail.Store(true)
	b.Attach(good)
	b.Attach(bad)

	if n := b.Publish(context.Background(), update(true)); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if b.Has("bad") {
		t.Fatal("failed observer still attached")
	}
	if !bad.closed.Load() {
		t.Error("failed observer should be closed")
	}
	if !b.Has("good") {
		t.Fatal("healthy observer was removed")
	}

	b.Publish(context.Background(), update(true))
	if got := bad.sends.Load(); got != 1 {
		t.Errorf("pruned observer attempted %d times, want 1", got)
	}
	if got := good.received(); got != 2 {
		t.Errorf("healthy observer received %d, want 2", got)
	}
}

func TestPruneKeepsReplacementWithSameID(t *testing.T) {
	b := New(zap.NewNop(), 4)
	old := newFake("client")
	old.fail.Store(true)
	old.delay = 50 * time.Millisecond
	b.Attach(old)

	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), update(true))
		close(done)
	}()

	// replace while the failing delivery is in flight
	time.Sleep(10 * time.Millisecond)
	b.Detach("client")
	replacement := newFake("client")
	b.Attach(replacement)
	<-done

	if !b.Has("client") {
		t.Fatal("replacement observer was pruned")
	}
}

func TestSlowObserverDoesNotBlockOthers(t *testing.T) {
	b := New(zap.NewNop(), 4)
	slow := newFake("slow")
	slow.delay = 200 * time.Millisecond
	fast := newFake("fast")
	b.Attach(slow)
	b.Attach(fast)

	start := time.Now()
	b.Publish(context.Background(), update(true))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish took %v", elapsed)
	}
	if fast.received() != 1 || slow.received() != 1 {
		t.Fatalf("deliveries fast=%d slow=%d", fast.received(), slow.received())
	}
}

func TestConcurrentAttachDetachPublish(t *testing.T) {
	b := New(zap.NewNop(), 8)
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				o := newFake(fmt.Sprintf("w%d-%d", i, j))
				if j%5 == 0 {
					o.fail.Store(true)
				}
				b.Attach(o)
				if j%2 == 0 {
					b.Detach(o.ID())
				}
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for k := 0; k < 50; k++ {
			b.Publish(ctx, update(k%2 == 0))
		}
	}()
	wg.Wait()

	// one more publish flushes any failing observer attached after the last round
	b.Publish(ctx, update(true))
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, o := range b.observers {
		if o.(*fakeObserver).fail.Load() {
			t.Errorf("failing observer %s still attached", id)
		}
	}
}

func TestDetachUnknown(t *testing.T) {
	b := New(zap.NewNop(), 1)
	if b.Detach("nope") {
		t.Fatal("detach of unknown id should return false")
	}
}

func TestCloseAll(t *testing.T) {
	b := New(zap.NewNop(), 4)
	a, c := newFake("a"), newFake("c")
	b.Attach(a)
	b.Attach(c)

	if n := b.CloseAll(); n != 2 {
		t.Fatalf("closed = %d, want 2", n)
	}
	if b.Len() != 0 {
		t.Fatalf("observers = %d after CloseAll", b.Len())
	}
	if !a.closed.Load() || !c.closed.Load() {
		t.Fatal("every observer should be closed")
	}
}
