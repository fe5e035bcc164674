package core

import (
	"fmt"
	"sync"
	"testing"
)

func TestWarningChainOrder(t *testing.T) {
	var c WarningChain
	if c.Head() != nil {
		t.Fatal("empty chain has a head")
	}
	c.Append("Test 1")
	c.Append("Test 2")

	w := c.Head()
	if w == nil || w.Message != "Test 1" {
		t.Fatalf("head = %+v", w)
	}
	w = w.Next()
	if w == nil || w.Message != "Test 2" {
		t.Fatalf("second = %+v", w)
	}
	if w.Next() != nil {
		t.Fatal("chain has more than two nodes")
	}
}

func TestWarningChainClearDetaches(t *testing.T) {
	var c WarningChain
	c.Append("a")
	c.Append("b")
	old := c.Head()

	c.Clear()
	if c.Head() != nil {
		t.Fatal("head survives Clear")
	}
	// The detached chain stays walkable and stops growing.
	c.Append("c")
	if old.Message != "a" || old.Next().Message != "b" || old.Next().Next() != nil {
		t.Fatal("detached chain changed")
	}
	if got := c.Head(); got == nil || got.Message != "c" {
		t.Fatalf("new head = %+v", got)
	}
}

func TestWarningChainConcurrentAppendAndTraverse(t *testing.T) {
	var c WarningChain
	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				c.Append(fmt.Sprintf("w%d-%d", i, j))
			}
		}(i)
	}
	// Readers walk snapshots while appends are in flight.
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for k := 0; k < 100; k++ {
				n := 0
				for w := c.Head(); w != nil; w = w.Next() {
					n++
				}
				if n > writers*perWriter {
					t.Errorf("traversal saw %d nodes", n)
					return
				}
			}
		}()
	}
	wg.Wait()
	readers.Wait()

	n := 0
	for w := c.Head(); w != nil; w = w.Next() {
		n++
	}
	if n != writers*perWriter {
		t.Fatalf("final length = %d, want %d", n, writers*perWriter)
	}
}
