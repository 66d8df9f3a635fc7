package accumulator

import (
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

func TestAppendAndFlush(t *testing.T) {
	a := New()

	a.Append(1, "first")
	a.Append(1, "second")
	a.Append(2, "other chat")

	got := a.Flush(1)
	want := []string{"first", "second"}
	if len(got) != len(want) {
		t.Fatalf("Flush = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Flush = %v, want %v", got, want)
		}
	}

	if !a.Empty(1) {
		t.Error("chat 1 should be empty after flush")
	}
	if a.Empty(2) {
		t.Error("chat 2 should be untouched")
	}
}

func TestFlushEmptyIsEmpty(t *testing.T) {
	a := New()
	if got := a.Flush(99); len(got) != 0 {
		t.Errorf("Flush on empty chat = %v, want empty", got)
	}
}

func TestCountCapEvictsOldest(t *testing.T) {
	a := New(WithMaxMessages(3))

	for _, text := range []string{"a", "b", "c", "d"} {
		a.Append(7, text)
	}

	got := a.Flush(7)
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("Flush = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Flush = %v, want %v", got, want)
		}
	}
}

func TestTruncationOnInsert(t *testing.T) {
	a := New(WithMaxLength(5))

	a.Append(1, "abcdefghij")
	got := a.Flush(1)
	if len(got) != 1 || got[0] != "abcde" {
		t.Errorf("Flush = %v, want [abcde]", got)
	}
}

func TestEmptyMessagesSkipped(t *testing.T) {
	a := New()
	a.Append(1, "")
	a.Append(1, "   ")
	a.Append(1, "\n\t")
	if n := a.Count(1); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestZeroMaxLengthSkipsEverything(t *testing.T) {
	a := New(WithMaxLength(0))
	a.Append(1, "hello")
	if n := a.Count(1); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestClear(t *testing.T) {
	a := New()
	a.Append(1, "x")
	a.Append(1, "y")
	if n := a.Clear(1); n != 2 {
		t.Errorf("Clear = %d, want 2", n)
	}
	if n := a.Clear(1); n != 0 {
		t.Errorf("second Clear = %d, want 0", n)
	}
}

func TestPeekDoesNotClear(t *testing.T) {
	a := New()
	a.Append(1, "keep me")
	if got := a.Peek(1); len(got) != 1 {
		t.Fatalf("Peek = %v", got)
	}
	if a.Empty(1) {
		t.Error("Peek must not clear the buffer")
	}
}

func TestChatBookkeeping(t *testing.T) {
	a := New()
	a.Append(1, "x")
	a.Append(2, "y")
	if n := a.TotalChats(); n != 2 {
		t.Errorf("TotalChats = %d, want 2", n)
	}
	if ids := a.ChatIDs(); len(ids) != 2 {
		t.Errorf("ChatIDs = %v", ids)
	}
}

func TestAgeEviction(t *testing.T) {
	a := New(WithMaxAge(time.Minute))
	now := time.Now()
	a.now = func() time.Time { return now }

	a.Append(1, "old")
	now = now.Add(2 * time.Minute)
	a.Append(1, "fresh")

	got := a.Flush(1)
	if len(got) != 1 || got[0] != "fresh" {
		t.Errorf("Flush = %v, want [fresh]", got)
	}
}

func TestAgeEvictionDisabledByDefault(t *testing.T) {
	a := New()
	now := time.Now()
	a.now = func() time.Time { return now }

	a.Append(1, "old")
	now = now.Add(24 * time.Hour)
	if n := a.Count(1); n != 1 {
		t.Errorf("Count = %d, want 1 (age eviction disabled)", n)
	}
}

// Two flushes observe disjoint contents no matter how appends interleave.
func TestConcurrentFlushesDisjoint(t *testing.T) {
	a := New(WithMaxMessages(10000))

	const writers = 4
	const perWriter = 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				a.Append(1, "m")
			}
		}()
	}

	var mu sync.Mutex
	total := 0
	for f := 0; f < 4; f++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				n := len(a.Flush(1))
				mu.Lock()
				total += n
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total += len(a.Flush(1))

	if want := writers * perWriter; total != want {
		t.Errorf("flushed %d messages in total, want %d (no loss, no duplication)", total, want)
	}
}

func TestLongTextsStillJoinable(t *testing.T) {
	a := New(WithMaxLength(10))
	a.Append(1, strings.Repeat("x", 100))
	a.Append(1, "short")
	got := a.Flush(1)
	if len(got) != 2 {
		t.Fatalf("Flush = %v", got)
	}
	if len(got[0]) != 10 {
		t.Errorf("first entry length = %d, want 10", len(got[0]))
	}
}

func TestTruncationKeepsValidUTF8(t *testing.T) {
	a := New(WithMaxLength(10))
	a.Append(1, strings.Repeat("猫", 10))

	got := a.Flush(1)
	if len(got) != 1 {
		t.Fatalf("Flush = %v", got)
	}
	if !utf8.ValidString(got[0]) {
		t.Fatalf("flushed text is invalid UTF-8: %q", got[0])
	}
	if got[0] != "猫猫猫" {
		t.Errorf("flushed text = %q, want three whole runes within the byte cap", got[0])
	}
}

func TestTruncationToNothingSkipsEntry(t *testing.T) {
	a := New(WithMaxLength(2))
	if n := a.Append(1, "猫"); n != 0 {
		t.Errorf("count = %d, want 0 when nothing survives truncation", n)
	}
	if got := a.Flush(1); got != nil {
		t.Errorf("Flush = %v, want nil", got)
	}
}
