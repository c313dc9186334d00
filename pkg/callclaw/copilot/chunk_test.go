package copilot

import (
	"fmt"
	"strings"
	"testing"
)

func TestChunkMessage(t *testing.T) {
	t.Run("short message is a single chunk without prefix", func(t *testing.T) {
		chunks := ChunkMessage("hello world", TextChunkLimit)
		if len(chunks) != 1 {
			t.Fatalf("expected 1 chunk, got %d", len(chunks))
		}
		if chunks[0] != "hello world" {
			t.Errorf("unexpected chunk: %q", chunks[0])
		}
	})

	t.Run("empty message yields nothing", func(t *testing.T) {
		if chunks := ChunkMessage("   ", TextChunkLimit); chunks != nil {
			t.Errorf("expected nil, got %v", chunks)
		}
	})

	t.Run("long message splits with numbered prefixes", func(t *testing.T) {
		var sb strings.Builder
		for i := 0; i < 40; i++ {
			fmt.Fprintf(&sb, "Paragraph %d with a reasonable amount of text in it.\n\n", i)
		}
		chunks := ChunkMessage(sb.String(), TextChunkLimit)

		if len(chunks) < 2 {
			t.Fatalf("expected multiple chunks, got %d", len(chunks))
		}
		for i, c := range chunks {
			if len(c) > TextChunkLimit {
				t.Errorf("chunk %d exceeds limit: %d chars", i, len(c))
			}
			wantPrefix := fmt.Sprintf("[%d/%d] ", i+1, len(chunks))
			if !strings.HasPrefix(c, wantPrefix) {
				t.Errorf("chunk %d missing prefix %q: %q", i, wantPrefix, c[:20])
			}
		}
	})

	t.Run("splits at paragraph boundaries first", func(t *testing.T) {
		para := strings.Repeat("a", 900)
		content := para + "\n\n" + strings.Repeat("b", 900)
		chunks := ChunkMessage(content, TextChunkLimit)

		if len(chunks) != 2 {
			t.Fatalf("expected 2 chunks, got %d", len(chunks))
		}
		if strings.Contains(chunks[0], "b") {
			t.Error("expected first chunk to hold only the first paragraph")
		}
	})

	t.Run("oversized paragraph falls back to sentences", func(t *testing.T) {
		var sb strings.Builder
		for i := 0; i < 60; i++ {
			fmt.Fprintf(&sb, "Sentence number %d says something moderately interesting. ", i)
		}
		chunks := ChunkMessage(sb.String(), TextChunkLimit)

		if len(chunks) < 2 {
			t.Fatalf("expected multiple chunks, got %d", len(chunks))
		}
		for i, c := range chunks {
			if len(c) > TextChunkLimit {
				t.Errorf("chunk %d exceeds limit: %d chars", i, len(c))
			}
		}
	})

	t.Run("unbreakable run is hard cut", func(t *testing.T) {
		content := strings.Repeat("x", 4000)
		chunks := ChunkMessage(content, TextChunkLimit)

		if len(chunks) < 3 {
			t.Fatalf("expected at least 3 chunks, got %d", len(chunks))
		}
		for i, c := range chunks {
			if len(c) > TextChunkLimit {
				t.Errorf("chunk %d exceeds limit: %d chars", i, len(c))
			}
		}
	})
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("First one. Second one! Third one? Trailing bit")
	want := []string{"First one.", "Second one!", "Third one?", "Trailing bit"}

	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
