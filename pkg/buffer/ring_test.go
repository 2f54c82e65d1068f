package buffer

import (
	"io"
	"testing"
)

func TestRingOverwrite(t *testing.T) {
	t.Run("size=1", func(t *testing.T) {
		r := RingN[byte](1)
		r.Write([]byte{1, 2, 3})
		r.CloseWrite()

		if r.Len() != 1 {
			t.Errorf("len=%d", r.Len())
		}
		got := r.Snapshot()
		if len(got) != 1 || got[0] != 3 {
			t.Errorf("got=%v", got)
		}
	})

	t.Run("size=2", func(t *testing.T) {
		r := RingN[byte](2)
		r.Write([]byte{1, 2, 3})

		got := r.Snapshot()
		if len(got) != 2 || got[0] != 2 || got[1] != 3 {
			t.Errorf("got=%v", got)
		}
	})

	t.Run("wraparound", func(t *testing.T) {
		r := RingN[int](4)
		r.Write([]int{1, 2, 3})
		buf := make([]int, 2)
		r.Read(buf)
		r.Write([]int{4, 5, 6})

		got := r.Snapshot()
		want := []int{3, 4, 5, 6}
		if len(got) != len(want) {
			t.Fatalf("got=%v", got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("got=%v want=%v", got, want)
				break
			}
		}
	})
}

func TestRingReadDrainsThenEOF(t *testing.T) {
	r := RingN[byte](8)
	r.Write([]byte{1, 2, 3})
	r.CloseWrite()

	buf := make([]byte, 8)
	n, err := r.Read(buf)
	if err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if _, err := r.Read(buf); err != io.EOF {
		t.Errorf("err=%v, want EOF", err)
	}
}

func TestRingTryRead(t *testing.T) {
	r := RingN[byte](8)
	buf := make([]byte, 4)

	n, err := r.TryRead(buf)
	if n != 0 || err != nil {
		t.Fatalf("empty TryRead: n=%d err=%v", n, err)
	}

	r.Write([]byte{7, 8})
	n, err = r.TryRead(buf)
	if n != 2 || err != nil {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestRingDiscard(t *testing.T) {
	r := RingN[byte](8)
	r.Write([]byte{1, 2, 3, 4, 5})

	if got := r.Discard(2); got != 2 {
		t.Errorf("Discard(2)=%d", got)
	}
	if got := r.DiscardAll(); got != 3 {
		t.Errorf("DiscardAll()=%d", got)
	}
	if r.Len() != 0 {
		t.Errorf("len=%d", r.Len())
	}

	// Discarding more than available drops what is there.
	r.Write([]byte{1})
	if got := r.Discard(10); got != 1 {
		t.Errorf("Discard(10)=%d", got)
	}
}

func TestRingBlockedReadUnblocksOnClose(t *testing.T) {
	r := RingN[byte](4)
	done := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 1))
		done <- err
	}()
	r.Close()
	if err := <-done; err == nil {
		t.Error("expected error from closed ring")
	}
}
