package voice

import "strings"

// SplitSpeech splits reply text into sentence chunks for synthesis.
// Chunks are split after sentence-ending punctuation followed by
// whitespace; newlines also end a chunk so list-style replies read
// as separate utterances.
func SplitSpeech(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	start := 0

	for i := 0; i < len(text)-1; i++ {
		c := text[i]
		ends := (c == '.' || c == '!' || c == '?') && isSpace(text[i+1])
		if c == '\n' {
			ends = true
		}
		if !ends {
			continue
		}
		if chunk := strings.TrimSpace(text[start : i+1]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		start = i + 1
	}
	if chunk := strings.TrimSpace(text[start:]); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t'
}
