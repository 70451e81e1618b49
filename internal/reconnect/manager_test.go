package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		MaxAttempts:  5,
		Exponential:  true,
	}
}

func TestDelaySchedule(t *testing.T) {
	m := New(DefaultConfig(), nil)
	defer m.Close()

	assert.Equal(t, 2*time.Second, m.Delay(1))
	assert.Equal(t, 4*time.Second, m.Delay(2))
	assert.Equal(t, 8*time.Second, m.Delay(3))
	assert.Equal(t, 16*time.Second, m.Delay(4))
	assert.Equal(t, 30*time.Second, m.Delay(5), "capped at max delay")
	assert.Equal(t, 30*time.Second, m.Delay(9))
}

func TestDelayLinear(t *testing.T) {
	m := New(Config{InitialDelay: 3 * time.Second, MaxDelay: time.Minute, MaxAttempts: 5}, nil)
	defer m.Close()

	assert.Equal(t, 3*time.Second, m.Delay(1))
	assert.Equal(t, 3*time.Second, m.Delay(4))
}

func TestSuccessEndsCycle(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	m := New(fastConfig(), func(ctx context.Context, peerID string, info PeerInfo) (bool, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		return n >= 3, nil
	})
	defer m.Close()

	done := make(chan int, 1)
	m.OnSuccess = func(peerID string, attempts int) { done <- attempts }

	m.Start("p1", PeerInfo{Name: "one"})

	select {
	case attempts := <-done:
		assert.Equal(t, 3, attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not succeed")
	}

	assert.Equal(t, StateIdle, m.StateOf("p1"))
	hist := m.History("p1")
	require.Len(t, hist, 3)
	assert.False(t, hist[0].OK)
	assert.False(t, hist[1].OK)
	assert.True(t, hist[2].OK)
	assert.Equal(t, 3, hist[2].Number)
}

func TestExhaustionFiresMaxThenFailure(t *testing.T) {
	boom := errors.New("unreachable")
	m := New(fastConfig(), func(ctx context.Context, peerID string, info PeerInfo) (bool, error) {
		return false, boom
	})
	defer m.Close()

	var order []string
	var mu sync.Mutex
	done := make(chan struct{})
	m.OnMaxAttempts = func(peerID string, attempts int) {
		mu.Lock()
		order = append(order, "max")
		mu.Unlock()
		assert.Equal(t, 5, attempts)
	}
	m.OnFailure = func(peerID string) {
		mu.Lock()
		order = append(order, "failure")
		mu.Unlock()
		close(done)
	}

	m.Start("p1", PeerInfo{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not exhaust")
	}

	mu.Lock()
	assert.Equal(t, []string{"max", "failure"}, order)
	mu.Unlock()

	hist := m.History("p1")
	require.Len(t, hist, 5)
	for _, a := range hist {
		assert.False(t, a.OK)
		assert.Equal(t, "unreachable", a.Err)
	}
}

func TestSetCallbackBindsLate(t *testing.T) {
	m := New(fastConfig(), nil)
	defer m.Close()

	done := make(chan struct{}, 1)
	m.OnSuccess = func(peerID string, attempts int) { done <- struct{}{} }

	m.Start("p1", PeerInfo{})

	// The first attempt runs with no callback bound and records a failure.
	require.Eventually(t, func() bool { return len(m.History("p1")) > 0 },
		time.Second, time.Millisecond)
	m.SetCallback(func(ctx context.Context, peerID string, info PeerInfo) (bool, error) {
		return true, nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not succeed after the callback was bound")
	}

	hist := m.History("p1")
	require.NotEmpty(t, hist)
	assert.False(t, hist[0].OK)
	assert.Equal(t, "no dial callback bound", hist[0].Err)
	assert.True(t, hist[len(hist)-1].OK)
}

func TestStartIsNoOpWhileActive(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	m := New(fastConfig(), func(ctx context.Context, peerID string, info PeerInfo) (bool, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-block
		return true, nil
	})
	defer m.Close()

	m.Start("p1", PeerInfo{})
	time.Sleep(20 * time.Millisecond) // first attempt now in flight
	m.Start("p1", PeerInfo{})
	m.Start("p1", PeerInfo{})
	close(block)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestStopKeepsHistoryResetDropsIt(t *testing.T) {
	attempted := make(chan struct{}, 10)
	m := New(fastConfig(), func(ctx context.Context, peerID string, info PeerInfo) (bool, error) {
		attempted <- struct{}{}
		return false, nil
	})
	defer m.Close()

	m.Start("p1", PeerInfo{})
	select {
	case <-attempted:
	case <-time.After(time.Second):
		t.Fatal("no attempt ran")
	}
	time.Sleep(10 * time.Millisecond)
	m.Stop("p1")

	assert.Equal(t, StateIdle, m.StateOf("p1"))
	assert.NotEmpty(t, m.History("p1"), "Stop keeps history")

	m.Reset("p1")
	assert.Empty(t, m.History("p1"), "Reset discards history")
}

func TestStopBeforeFirstAttempt(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	m := New(Config{InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3, Exponential: true},
		func(ctx context.Context, peerID string, info PeerInfo) (bool, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return true, nil
		})
	defer m.Close()

	m.Start("p1", PeerInfo{})
	assert.Equal(t, StateScheduled, m.StateOf("p1"))
	m.Stop("p1")

	time.Sleep(120 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()
}

func TestHistoryBounded(t *testing.T) {
	m := New(Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: historyCap + 10},
		func(ctx context.Context, peerID string, info PeerInfo) (bool, error) {
			return false, nil
		})
	defer m.Close()

	done := make(chan struct{})
	m.OnFailure = func(string) { close(done) }
	m.Start("p1", PeerInfo{})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not finish")
	}
	assert.Len(t, m.History("p1"), historyCap)
}

func TestCloseStopsEverything(t *testing.T) {
	m := New(Config{InitialDelay: 30 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3, Exponential: true},
		func(ctx context.Context, peerID string, info PeerInfo) (bool, error) {
			t.Error("callback ran after Close")
			return false, nil
		})

	m.Start("p1", PeerInfo{})
	m.Start("p2", PeerInfo{})
	m.Close()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateIdle, m.StateOf("p1"))

	// Start after Close is a no-op.
	m.Start("p3", PeerInfo{})
	assert.Equal(t, StateIdle, m.StateOf("p3"))
}
