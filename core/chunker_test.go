package orchestration

import (
	"strings"
	"testing"
	"time"
)

func TestChunkerEmitsOnSentenceBoundary(t *testing.T) {
	sentences := []string{}
	chunker := newSentenceChunker(func(sentence string) {
		sentences = append(sentences, sentence)
	})

	for _, token := range []string{"Hello", " world", ". ", "Next", " sentence", ". "} {
		chunker.Feed(token)
	}

	if len(sentences) != 2 {
		t.Fatalf("expected 2 sentences, got %d (%q)", len(sentences), sentences)
	}
	if sentences[0] != "Hello world." {
		t.Fatalf("expected first sentence %q, got %q", "Hello world.", sentences[0])
	}
	if sentences[1] != "Next sentence." {
		t.Fatalf("expected second sentence %q, got %q", "Next sentence.", sentences[1])
	}
}

func TestChunkerSplitsAtMidBufferBoundary(t *testing.T) {
	sentences := []string{}
	chunker := newSentenceChunker(func(sentence string) {
		sentences = append(sentences, sentence)
	}, WithMaxPause(0))

	// The boundary only becomes visible once the next sentence has
	// started; the cut must not swallow the tail.
	for _, token := range []string{"Hello", " world.", " Next sentence."} {
		chunker.Feed(token)
	}

	if len(sentences) != 1 || sentences[0] != "Hello world." {
		t.Fatalf("expected the first sentence to be cut at the boundary, got %q", sentences)
	}
	if chunker.Buffer() != "Next sentence." {
		t.Fatalf("expected the tail to stay buffered, got %q", chunker.Buffer())
	}

	chunker.Flush()
	if len(sentences) != 2 || sentences[1] != "Next sentence." {
		t.Fatalf("expected the tail to flush as its own sentence, got %q", sentences)
	}
}

func TestChunkerEmitsEverySentenceInOneToken(t *testing.T) {
	sentences := []string{}
	chunker := newSentenceChunker(func(sentence string) {
		sentences = append(sentences, sentence)
	}, WithMaxPause(0))

	chunker.Feed("One. Two. Three. ")

	want := []string{"One.", "Two.", "Three."}
	if len(sentences) != len(want) {
		t.Fatalf("expected %d sentences, got %d (%q)", len(want), len(sentences), sentences)
	}
	for i := range want {
		if sentences[i] != want[i] {
			t.Fatalf("expected sentence %d to be %q, got %q", i, want[i], sentences[i])
		}
	}
}

func TestChunkerCountsRunesNotBytes(t *testing.T) {
	sentences := []string{}
	chunker := newSentenceChunker(func(sentence string) {
		sentences = append(sentences, sentence)
	}, WithMaxPause(0))

	// 170 runes but well past the cap in bytes.
	chunker.Feed(strings.Repeat("é", 170))
	if len(sentences) != 0 {
		t.Fatalf("expected no emission below the rune cap, got %q", sentences)
	}

	chunker.Feed(strings.Repeat("é", 20))
	if len(sentences) != 1 {
		t.Fatalf("expected an emission past the rune cap, got %d", len(sentences))
	}
	if got := len([]rune(sentences[0])); got != 190 {
		t.Fatalf("expected all 190 runes emitted, got %d", got)
	}
}

func TestChunkerEmitsOnNewline(t *testing.T) {
	sentences := []string{}
	chunker := newSentenceChunker(func(sentence string) {
		sentences = append(sentences, sentence)
	})

	chunker.Feed("First line")
	chunker.Feed("\n")

	if len(sentences) != 1 || sentences[0] != "First line" {
		t.Fatalf("expected newline to flush %q, got %q", "First line", sentences)
	}
}

func TestChunkerEmitsOnLengthOverflow(t *testing.T) {
	sentences := []string{}
	chunker := newSentenceChunker(func(sentence string) {
		sentences = append(sentences, sentence)
	}, WithMaxPause(0))

	long := strings.Repeat("a", 200)
	chunker.Feed(long)

	if len(sentences) != 1 {
		t.Fatalf("expected immediate emission past the length cap, got %d emissions", len(sentences))
	}
	if sentences[0] != long {
		t.Fatalf("expected the full buffered text, got %d characters", len(sentences[0]))
	}
}

func TestChunkerPauseFlushRespectsMinChars(t *testing.T) {
	emitted := make(chan string, 1)
	chunker := newSentenceChunker(func(sentence string) {
		emitted <- sentence
	}, WithMaxPause(20*time.Millisecond))

	chunker.Feed("Hi")

	select {
	case sentence := <-emitted:
		t.Fatalf("expected no pause flush below the minimum length, got %q", sentence)
	case <-time.After(100 * time.Millisecond):
	}

	chunker.Flush()

	select {
	case sentence := <-emitted:
		if sentence != "Hi" {
			t.Fatalf("expected flush to emit %q, got %q", "Hi", sentence)
		}
	case <-time.After(time.Second):
		t.Fatal("expected flush to emit the short buffer")
	}
}

func TestChunkerPauseFlushEmitsAboveMinChars(t *testing.T) {
	emitted := make(chan string, 1)
	chunker := newSentenceChunker(func(sentence string) {
		emitted <- sentence
	}, WithMaxPause(20*time.Millisecond))

	chunker.Feed("This clause has no terminal punctuation")

	select {
	case sentence := <-emitted:
		if sentence != "This clause has no terminal punctuation" {
			t.Fatalf("unexpected pause flush content %q", sentence)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a pause flush for a long enough buffer")
	}
}

func TestChunkerNewTokenReschedulesPauseFlush(t *testing.T) {
	emitted := make(chan string, 4)
	chunker := newSentenceChunker(func(sentence string) {
		emitted <- sentence
	}, WithMaxPause(60*time.Millisecond))

	chunker.Feed("Streaming keeps this clause alive")
	time.Sleep(30 * time.Millisecond)
	chunker.Feed(" with steady tokens")
	time.Sleep(30 * time.Millisecond)

	select {
	case sentence := <-emitted:
		t.Fatalf("expected the pause timer to reset on each token, got %q", sentence)
	default:
	}

	select {
	case sentence := <-emitted:
		if sentence != "Streaming keeps this clause alive with steady tokens" {
			t.Fatalf("unexpected pause flush content %q", sentence)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a pause flush once tokens stopped")
	}
}

func TestChunkerNoCharactersLost(t *testing.T) {
	var out strings.Builder
	chunker := newSentenceChunker(func(sentence string) {
		out.WriteString(sentence)
	}, WithMaxPause(0))

	tokens := []string{"One. ", "Two", " and", " a half. ", "Thr", "ee?! ", "Tail without end"}
	for _, token := range tokens {
		chunker.Feed(token)
	}
	chunker.Flush()

	want := strings.ReplaceAll(strings.Join(tokens, ""), " ", "")
	got := strings.ReplaceAll(out.String(), " ", "")
	if got != want {
		t.Fatalf("expected all non-whitespace characters preserved, got %q want %q", got, want)
	}
}

func TestChunkerResetDiscardsBuffer(t *testing.T) {
	sentences := []string{}
	chunker := newSentenceChunker(func(sentence string) {
		sentences = append(sentences, sentence)
	}, WithMaxPause(0))

	chunker.Feed("Abandoned partial clause")
	chunker.Reset()
	chunker.Flush()

	if len(sentences) != 0 {
		t.Fatalf("expected reset to drop the buffer, got %q", sentences)
	}
	if chunker.Buffer() != "" {
		t.Fatalf("expected an empty buffer after reset, got %q", chunker.Buffer())
	}
}
