package compression

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestConverterQueuePreservesOrder(t *testing.T) {
	// Each job sleeps a random amount so completions race; Pop order must
	// still match Push order.
	rnd := rand.New(rand.NewSource(42))
	delays := make([]time.Duration, 200)
	for i := range delays {
		delays[i] = time.Duration(rnd.Intn(3)) * time.Millisecond
	}

	q := NewConverterQueue(8, 16, func(in []byte) ([]byte, error) {
		idx := binary.LittleEndian.Uint32(in)
		time.Sleep(delays[idx])
		return in, nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < len(delays); i++ {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(i))
			q.Push(buf)
		}
		q.Quit()
	}()

	for i := 0; ; i++ {
		out, ok, err := q.Pop()
		if !ok {
			if i != len(delays) {
				t.Fatalf("drained after %d results, want %d", i, len(delays))
			}
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if got := binary.LittleEndian.Uint32(out); got != uint32(i) {
			t.Fatalf("result %d out of order: got %d", i, got)
		}
	}
	wg.Wait()
	q.Close()
}

func TestConverterQueueReRaisesErrorInOrder(t *testing.T) {
	q := NewConverterQueue(4, 8, func(in []byte) ([]byte, error) {
		if in[0] == 1 {
			return nil, fmt.Errorf("engine failed on %d", in[0])
		}
		return in, nil
	})
	q.Push([]byte{0})
	q.Push([]byte{1})
	q.Push([]byte{2})
	q.Quit()

	if _, ok, err := q.Pop(); !ok || err != nil {
		t.Fatalf("first result: ok=%v err=%v", ok, err)
	}
	if _, ok, err := q.Pop(); !ok || err == nil {
		t.Fatalf("second result must carry the engine error, ok=%v err=%v", ok, err)
	}
	if out, ok, err := q.Pop(); !ok || err != nil || out[0] != 2 {
		t.Fatalf("third result desynchronised: ok=%v err=%v", ok, err)
	}
	q.Close()
}

func TestConverterQueuePanicBecomesError(t *testing.T) {
	q := NewConverterQueue(2, 4, func(in []byte) ([]byte, error) {
		panic("boom")
	})
	q.Push([]byte{0})
	q.Quit()
	if _, ok, err := q.Pop(); !ok || err == nil {
		t.Fatalf("panic must surface as error: ok=%v err=%v", ok, err)
	}
	q.Close()
}

func TestConverterQueueQuitIdempotent(t *testing.T) {
	q := NewConverterQueue(2, 4, func(in []byte) ([]byte, error) { return in, nil })
	q.Push([]byte{9})
	q.Quit()
	q.Quit()
	q.Close()
	q.Close()
	if out, ok, err := q.Pop(); !ok || err != nil || out[0] != 9 {
		t.Fatalf("pending result lost: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := q.Pop(); ok {
		t.Fatal("queue must be drained")
	}
}
