package expiring_test

import (
	"maps"
	"math/rand/v2"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"
	. "github.com/rflandau/lludp/internal/testsupport"
	"github.com/rflandau/lludp/relay/expiring"
)

func TestTable(t *testing.T) {
	t.Run("prune on timeout", func(t *testing.T) {
		tbl := expiring.New[netip.AddrPort, uint16]()

		for i, timeout := range []time.Duration{5 * time.Millisecond, 30 * time.Millisecond} {
			k := RandomLocalhostAddrPort()
			tbl.Store(k, uint16(i), timeout)
			time.Sleep(timeout + 5*time.Millisecond)
			if v, found := tbl.Load(k); found {
				t.Errorf("k/v %v/%v should have expired, but was found", k, v)
			}
		}
		if tbl.Len() != 0 {
			t.Error("expired keys remain", ExpectedActual(0, tbl.Len()))
		}
	})

	t.Run("no prune prior to timeout", func(t *testing.T) {
		tbl := expiring.New[string, bool]()

		tests := []struct {
			k    string
			v    bool
			time time.Duration
		}{
			{"127.0.0.1:13000", true, 150 * time.Millisecond},
			{"127.0.0.1:13001", true, 60 * time.Millisecond},
			{"10.0.0.7:9000", false, 90 * time.Millisecond},
		}

		for i, tt := range tests {
			t.Run(strconv.Itoa(i), func(t *testing.T) {
				tbl.Store(tt.k, tt.v, tt.time)
				checkLoad(t, tbl, tt.k, true, tt.v)
				time.Sleep(tt.time / 3)
				checkLoad(t, tbl, tt.k, true, tt.v)
				time.Sleep(tt.time + 10*time.Millisecond)
				checkLoad(t, tbl, tt.k, false, tt.v)
			})
		}
	})

	t.Run("reset timer on new store", func(t *testing.T) {
		tbl := expiring.New[string, string]()
		key, val := randomdata.IpV4Address(), randomdata.SillyName()

		tbl.Store(key, val, 10*time.Millisecond)
		checkLoad(t, tbl, key, true, val)
		tbl.Store(key, val, 60*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		checkLoad(t, tbl, key, true, val)
		time.Sleep(60 * time.Millisecond)
		checkLoad(t, tbl, key, false, val)
	})

	t.Run("delete elements", func(t *testing.T) {
		tbl := expiring.New[string, string]()
		var cleaned atomic.Bool
		key, val := "sim", "session"
		tbl.Store(key, val, 20*time.Millisecond, func(string, string) { cleaned.Store(true) })
		if !tbl.Delete(key) {
			t.Fatalf("failed to delete key='%v': not found", key)
		}
		checkLoad(t, tbl, key, false, val)
		if tbl.Delete("not a sim") {
			t.Fatal("successfully deleted non-existent key")
		}
		time.Sleep(30 * time.Millisecond)
		if cleaned.Load() {
			t.Fatal("cleanup ran for a deleted key")
		}
	})

	t.Run("refresh", func(t *testing.T) {
		type key struct{ code uint32 }
		k, v := key{12345}, 3.14

		tbl := expiring.New[key, float64]()
		tbl.Store(k, v, 40*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		checkLoad(t, tbl, k, true, v)
		if !tbl.Refresh(k, 80*time.Millisecond) {
			t.Fatal("failed to refresh value prior to original expiry: not found")
		}
		time.Sleep(40 * time.Millisecond)
		checkLoad(t, tbl, k, true, v)
		time.Sleep(60 * time.Millisecond)
		checkLoad(t, tbl, k, false, v)
		if tbl.Refresh(key{1}, time.Hour) {
			t.Fatal("successfully refreshed non-existent key")
		}
	})

	t.Run("cleanup functions run in order", func(t *testing.T) {
		var (
			buf      []int
			expected = []int{1, -1, -2, 2, -1, -2, 3, -1, -2}
			mu       sync.Mutex
			done     = make(chan struct{})
		)
		record := func(n int) func(k, v int) {
			return func(k, v int) {
				mu.Lock()
				defer mu.Unlock()
				buf = append(buf, n, k, v)
			}
		}
		tbl := expiring.New[int, int]()
		tbl.Store(-1, -2, 20*time.Millisecond, record(1), record(2), record(3), func(int, int) { close(done) })
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("cleanup functions never ran")
		}
		mu.Lock()
		defer mu.Unlock()
		if !slices.Equal(buf, expected) {
			t.Fatal("clean up functions did not execute properly", ExpectedActual(expected, buf))
		}
	})

	t.Run("overwritten entry does not clean up", func(t *testing.T) {
		var calls atomic.Int32
		tbl := expiring.New[string, int]()
		tbl.Store("k", 1, 10*time.Millisecond, func(string, int) { calls.Add(1) })
		tbl.Store("k", 2, time.Hour)
		time.Sleep(30 * time.Millisecond)
		checkLoad(t, tbl, "k", true, 2)
		if calls.Load() != 0 {
			t.Fatal("cleanup of a replaced entry ran", ExpectedActual(int32(0), calls.Load()))
		}
	})
}

func TestTable_Range(t *testing.T) {
	in := map[string]int{
		"127.0.0.1:13000": 1,
		"127.0.0.1:13001": -2,
		"10.1.1.1:12035":  1000,
		"192.168.0.4:80":  11,
	}
	t.Run("all items", func(t *testing.T) {
		tbl := expiring.New[string, int]()
		for k, v := range in {
			tbl.Store(k, v, 3*time.Second)
		}

		out := make(map[string]int)
		tbl.RangeLocked(func(s string, i int) bool {
			out[s] = i
			return true
		})

		if !maps.Equal(in, out) {
			t.Fatal("input and output maps do not match", ExpectedActual(in, out))
		}
	})
	t.Run("early exit", func(t *testing.T) {
		tbl := expiring.New[string, int]()
		for k, v := range in {
			tbl.Store(k, v, 3*time.Second)
		}

		var callCount int
		out := make(map[string]int)
		tbl.RangeLocked(func(s string, i int) bool {
			out[s] = i
			callCount += 1
			return callCount < 2
		})

		if len(out) != callCount || callCount != 2 {
			t.Fatal("incorrect range call counts.", ExpectedActual(2, len(out)))
		}
	})
}

func TestTable_CompareAndSwap(t *testing.T) {
	expireTime := 10 * time.Second // functionally disable expire times

	t.Run("sequential swaps", func(t *testing.T) {
		tbl := expiring.New[string, string]()
		if !tbl.CompareAndSwap("k", "", "a", expireTime) {
			t.Fatal("failed to swap into an absent key")
		}
		if tbl.CompareAndSwap("k", "", "b", expireTime) {
			t.Fatal("swapped over a present key using the zero value")
		}
		if tbl.CompareAndSwap("k", "x", "b", expireTime) {
			t.Fatal("swapped despite a mismatched old value")
		}
		if !tbl.CompareAndSwap("k", "a", "b", expireTime) {
			t.Fatal("failed to swap a matching old value")
		}
		checkLoad(t, tbl, "k", true, "b")
	})

	// Checks that, when multiple goroutines hit CompareAndSwap simultaneously, exactly one wins.
	t.Run("parallel swaps", func(t *testing.T) {
		pairCount := rand.UintN(50) + 2
		key := randomdata.SillyName()
		values := make(map[uint]string, pairCount) // goro index -> random value
		for i := range pairCount {
			values[i] = randomdata.SillyName() + strconv.FormatUint(uint64(i), 10)
		}

		for _, preexisting := range []string{"", randomdata.Adjective()} {
			t.Run("preexisting="+strconv.Quote(preexisting), func(t *testing.T) {
				tbl := expiring.New[string, string]()
				if preexisting != "" {
					tbl.Store(key, preexisting, expireTime)
				}
				var (
					winners atomic.Int32
					winner  atomic.Uint64
					wg      sync.WaitGroup
				)
				for idx, v := range values {
					wg.Add(1)
					go func(index uint, value string) {
						defer wg.Done()
						if tbl.CompareAndSwap(key, preexisting, value, expireTime) {
							winners.Add(1)
							winner.Store(uint64(index))
						}
					}(idx, v)
				}
				wg.Wait()

				if winners.Load() != 1 {
					t.Fatal("incorrect number of successful swaps", ExpectedActual(int32(1), winners.Load()))
				}
				checkLoad(t, tbl, key, true, values[uint(winner.Load())])
			})
		}
	})
}

// tests the load returns the expected value and found state.
// Value is only checked if an element was found.
func checkLoad[key_t comparable, val_t comparable](t *testing.T, tbl *expiring.Table[key_t, val_t], key key_t, expectedFound bool, expectedVal val_t) {
	t.Helper()
	v, found := tbl.Load(key)
	if found != expectedFound {
		t.Error("incorrect found", ExpectedActual(expectedFound, found))
	}
	if found && (v != expectedVal) {
		t.Error("incorrect value retrieved", ExpectedActual(expectedVal, v))
	}
}
