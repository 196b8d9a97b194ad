package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-bidding/internal/models"
)

func TestLocalSerializesSameRide(t *testing.T) {
	l := NewLocal()
	const workers = 16
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
		start   = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			unlock, err := l.Lock(context.Background(), "ride-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	close(start)
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxSeen)
	}
	if n := l.held(); n != 0 {
		t.Fatalf("expected entries cleaned up, got %d", n)
	}
}

func TestLocalDifferentRidesDoNotContend(t *testing.T) {
	l := NewLocal()
	unlockA, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("lock b while a held: %v", err)
	}
	unlockB()
}

func TestLocalTimeoutIsConflict(t *testing.T) {
	l := NewLocal()
	unlock, _ := l.Lock(context.Background(), "a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "a"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	unlock()
	unlock() // second call is a no-op
	if n := l.held(); n != 0 {
		t.Fatalf("expected entries cleaned up, got %d", n)
	}
}

// fakeRedis emulates SET NX and the compare-and-delete script.
type fakeRedis struct {
	mu    sync.Mutex
	vals  map[string]string
	evals int
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vals[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.vals[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++
	if f.vals[keys[0]] == args[0].(string) {
		delete(f.vals, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLockerAcquireRelease(t *testing.T) {
	fr := &fakeRedis{vals: map[string]string{}}
	l := NewRedisLocker(fr, time.Second)
	l.poll = time.Millisecond

	unlock, err := l.Lock(context.Background(), "ride-9")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, ok := fr.vals[lockKey("ride-9")]; !ok {
		t.Fatalf("expected lock key to be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "ride-9"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict while held, got %v", err)
	}

	unlock()
	if _, ok := fr.vals[lockKey("ride-9")]; ok {
		t.Fatalf("expected lock key to be released")
	}
	unlock2, err := l.Lock(context.Background(), "ride-9")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	unlock2()
}

func TestRedisLockerDoesNotReleaseForeignToken(t *testing.T) {
	fr := &fakeRedis{vals: map[string]string{}}
	l := NewRedisLocker(fr, time.Second)

	unlock, err := l.Lock(context.Background(), "ride-9")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	// lock expired and another replica took it
	fr.vals[lockKey("ride-9")] = "someone-else"
	unlock()
	if fr.vals[lockKey("ride-9")] != "someone-else" {
		t.Fatalf("released a lock we no longer own")
	}
}
