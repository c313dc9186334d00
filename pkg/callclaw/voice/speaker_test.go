package voice

import "testing"

func TestSplitSpeech(t *testing.T) {
	t.Run("splits sentences", func(t *testing.T) {
		got := SplitSpeech("Hello there. How are you? Great!")
		want := []string{"Hello there.", "How are you?", "Great!"}

		if len(got) != len(want) {
			t.Fatalf("expected %d chunks, got %d: %v", len(want), len(got), got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("chunk %d: expected %q, got %q", i, want[i], got[i])
			}
		}
	})

	t.Run("newlines end chunks", func(t *testing.T) {
		got := SplitSpeech("first line\nsecond line")
		if len(got) != 2 || got[0] != "first line" || got[1] != "second line" {
			t.Errorf("unexpected chunks: %v", got)
		}
	})

	t.Run("abbreviation mid-sentence stays together", func(t *testing.T) {
		got := SplitSpeech("It costs 3.50 dollars total")
		if len(got) != 1 {
			t.Errorf("expected single chunk, got %v", got)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if got := SplitSpeech("   "); got != nil {
			t.Errorf("expected nil, got %v", got)
		}
	})

	t.Run("trailing fragment kept", func(t *testing.T) {
		got := SplitSpeech("Done. And one more thing")
		if len(got) != 2 || got[1] != "And one more thing" {
			t.Errorf("unexpected chunks: %v", got)
		}
	})
}
