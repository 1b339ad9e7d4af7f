package risk

import (
	"sync"
	"testing"
)

func TestKeyLocks(t *testing.T) {
	t.Run("Given many goroutines on one key When they increment Then no update is lost", func(t *testing.T) {
		l := NewKeyLocks()
		counter := 0
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.Lock("job")
				counter++
				l.Unlock("job")
			}()
		}
		wg.Wait()
		if counter != 50 {
			t.Errorf("counter = %d, want 50", counter)
		}
		if l.Len() != 0 {
			t.Errorf("lock table leaked %d entries", l.Len())
		}
	})

	t.Run("Given overlapping key sets When locked in different orders Then both finish", func(t *testing.T) {
		l := NewKeyLocks()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			keys := []string{"a", "b", "c"}
			if i%2 == 1 {
				keys = []string{"c", "b", "a", "a"}
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				release := l.LockAll(keys)
				release()
			}()
		}
		wg.Wait()
		if l.Len() != 0 {
			t.Errorf("lock table leaked %d entries", l.Len())
		}
	})
}
