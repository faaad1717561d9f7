package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(s *Sink) [][]byte {
	var out [][]byte
	for {
		select {
		case c := <-s.Next():
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestFanOutSlowSinkLosesOldest(t *testing.T) {
	const capacity = 4
	r := New(testLogger(), 1, capacity, nil)

	stalled := r.Subscribe()
	fast1 := r.Subscribe()
	fast2 := r.Subscribe()

	// Producer emits 10 one-byte chunks; the fast sinks are drained as we
	// go, the stalled one never is.
	var fast1Got, fast2Got []byte
	for i := 0; i < 10; i++ {
		chunk := []byte{byte(i)}
		for _, s := range r.snapshot() {
			s.push(chunk)
		}
		fast1Got = append(fast1Got, (<-fast1.Next())[0])
		fast2Got = append(fast2Got, (<-fast2.Next())[0])
	}

	want := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if !bytes.Equal(fast1Got, want) || !bytes.Equal(fast2Got, want) {
		t.Errorf("fast sinks = %v / %v, want every chunk in order", fast1Got, fast2Got)
	}

	// The stalled sink holds exactly the newest `capacity` chunks: FIFO
	// eviction dropped the oldest ones.
	got := collect(stalled)
	if len(got) != capacity {
		t.Fatalf("stalled sink holds %d chunks, want %d", len(got), capacity)
	}
	for i, c := range got {
		if wantByte := byte(10 - capacity + i); c[0] != wantByte {
			t.Errorf("stalled chunk %d = %d, want %d", i, c[0], wantByte)
		}
	}
}

func TestRunBroadcastsAndSignalsEOF(t *testing.T) {
	r := New(testLogger(), 4, 16, nil)
	sink := r.Subscribe()

	src := bytes.NewReader([]byte("abcdefgh"))
	if err := r.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var got []byte
	for {
		chunk := <-sink.Next()
		if chunk == nil {
			break
		}
		got = append(got, chunk...)
	}
	if string(got) != "abcdefgh" {
		t.Errorf("delivered %q, want abcdefgh", got)
	}
}

func TestRunReturnsReadError(t *testing.T) {
	r := New(testLogger(), 4, 4, nil)
	sink := r.Subscribe()

	wantErr := fmt.Errorf("pipe burst")
	err := r.Run(context.Background(), &failReader{err: wantErr})
	if err == nil || err.Error() != "pipe burst" {
		t.Errorf("Run = %v, want pipe burst", err)
	}

	// Sinks still receive the sentinel on error exit.
	select {
	case chunk := <-sink.Next():
		if chunk != nil {
			t.Errorf("expected sentinel, got %v", chunk)
		}
	case <-time.After(time.Second):
		t.Error("no sentinel after producer error")
	}
}

func TestUnsubscribeDrains(t *testing.T) {
	r := New(testLogger(), 1, 4, nil)
	s := r.Subscribe()
	s.push([]byte{1})
	s.push([]byte{2})

	r.Unsubscribe(s)
	if got := collect(s); len(got) != 0 {
		t.Errorf("sink retained %d chunks after unsubscribe", len(got))
	}
	if n := r.ClientCount(); n != 0 {
		t.Errorf("ClientCount = %d, want 0", n)
	}
}

func TestMembershipCallback(t *testing.T) {
	var counts []int
	r := New(testLogger(), 1, 4, func(n int) { counts = append(counts, n) })

	a := r.Subscribe()
	b := r.Subscribe()
	r.Unsubscribe(a)
	r.Unsubscribe(b)

	want := []int{1, 2, 1, 0}
	if len(counts) != len(want) {
		t.Fatalf("callback counts = %v, want %v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("callback counts = %v, want %v", counts, want)
		}
	}
}

type failReader struct{ err error }

func (f *failReader) Read([]byte) (int, error) { return 0, f.err }
