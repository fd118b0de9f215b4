package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLocks_MutualExclusion(t *testing.T) {
	locks := newKeyedLocks()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.acquire("sh.600000/bars_d_3/2023")
			defer release()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestKeyedLocks_OverlappingSetsDoNotDeadlock(t *testing.T) {
	locks := newKeyedLocks()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		// Writers acquiring overlapping bucket sets in opposite orders.
		for i := 0; i < 100; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				release := locks.acquire("a/2022", "a/2023")
				defer release()
			}()
			go func() {
				defer wg.Done()
				release := locks.acquire("a/2023", "a/2022")
				defer release()
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock between overlapping lock sets")
	}
}

func TestKeyedLocks_DuplicateKeysCollapse(t *testing.T) {
	locks := newKeyedLocks()

	release := locks.acquire("a/2023", "a/2023")
	release()

	// Re-acquiring proves the duplicate was not double-locked.
	release = locks.acquire("a/2023")
	release()
}
