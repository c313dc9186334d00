package copilot

import (
	"fmt"
	"strings"
)

// TextChunkLimit is the per-message character cap for the text channel
// (WhatsApp rejects longer bodies).
const TextChunkLimit = 1600

// chunkPrefixReserve leaves room for the "[i/n] " prefix.
const chunkPrefixReserve = 8

// ChunkMessage splits a reply into chunks of at most limit characters.
// Splitting prefers paragraph boundaries, then sentence boundaries, then
// hard cuts. Multi-chunk output gets "[i/n]" prefixes so the reader can
// tell the parts apart if the platform reorders them.
func ChunkMessage(content string, limit int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= limit {
		return []string{content}
	}

	pieces := splitToSize(content, limit-chunkPrefixReserve)
	if len(pieces) == 1 {
		return pieces
	}

	chunks := make([]string, len(pieces))
	for i, p := range pieces {
		chunks[i] = fmt.Sprintf("[%d/%d] %s", i+1, len(pieces), p)
	}
	return chunks
}

// splitToSize packs paragraphs greedily into chunks of at most size chars.
func splitToSize(content string, size int) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if current.Len() > 0 && current.Len()+len(para)+2 > size {
			flush()
		}

		if len(para) <= size {
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(para)
			continue
		}

		// Paragraph alone is too big: split by sentences.
		flush()
		for _, sentence := range splitSentences(para) {
			if current.Len() > 0 && current.Len()+len(sentence)+1 > size {
				flush()
			}
			if len(sentence) <= size {
				if current.Len() > 0 {
					current.WriteString(" ")
				}
				current.WriteString(sentence)
				continue
			}

			// Single sentence over the cap: hard cut.
			flush()
			for len(sentence) > size {
				chunks = append(chunks, sentence[:size])
				sentence = sentence[size:]
			}
			current.WriteString(sentence)
		}
		flush()
	}
	flush()

	return chunks
}

// splitSentences splits text after sentence-ending punctuation followed by
// whitespace.
func splitSentences(text string) []string {
	var sentences []string
	start := 0

	for i := 0; i < len(text)-1; i++ {
		c := text[i]
		if (c == '.' || c == '!' || c == '?') && (text[i+1] == ' ' || text[i+1] == '\n') {
			sentences = append(sentences, strings.TrimSpace(text[start:i+1]))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}
