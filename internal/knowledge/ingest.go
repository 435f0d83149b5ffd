package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// DefaultChunkSize is the target chunk length in bytes.
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is how many trailing bytes of one chunk are
	// repeated at the start of the next, to keep context across boundaries.
	DefaultChunkOverlap = 200
)

// Chunk splits text into overlapping chunks suitable for embedding.
// Paragraph boundaries (blank lines) are preferred split points; paragraphs
// longer than chunkSize are split at the nearest sentence or word boundary.
func Chunk(text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = DefaultChunkOverlap
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	for _, para := range splitParagraphs(text) {
		if current.Len() > 0 && current.Len()+len(para)+2 > chunkSize {
			chunks = append(chunks, current.String())
			tail := overlapTail(current.String(), overlap)
			current.Reset()
			current.WriteString(tail)
		}

		if len(para) > chunkSize {
			// Paragraph alone exceeds the budget; flush and hard-split it.
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			pieces := splitLong(para, chunkSize, overlap)
			chunks = append(chunks, pieces[:len(pieces)-1]...)
			current.WriteString(pieces[len(pieces)-1])
			continue
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}

	if s := strings.TrimSpace(current.String()); s != "" {
		chunks = append(chunks, s)
	}

	for i := range chunks {
		chunks[i] = strings.TrimSpace(chunks[i])
	}
	return chunks
}

// splitParagraphs breaks text on blank lines.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitLong hard-splits an oversized paragraph, preferring sentence then
// word boundaries within each window.
func splitLong(text string, chunkSize, overlap int) []string {
	var pieces []string
	for len(text) > chunkSize {
		cut := chunkSize
		window := text[:chunkSize]
		if i := strings.LastIndexAny(window, ".!?"); i > chunkSize/2 {
			cut = i + 1
		} else if i := strings.LastIndex(window, " "); i > chunkSize/2 {
			cut = i
		}
		pieces = append(pieces, strings.TrimSpace(text[:cut]))
		// The window must always advance: when the overlap reaches back to
		// (or past) the cut, carrying it would revisit the same window
		// forever, so drop the overlap for this boundary.
		start := cut - overlap
		if start <= 0 {
			start = cut
		}
		text = strings.TrimSpace(text[start:])
	}
	if text != "" {
		pieces = append(pieces, text)
	}
	return pieces
}

// overlapTail returns the last n bytes of s, extended left to a word boundary.
func overlapTail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		if n <= 0 {
			return ""
		}
		return s
	}
	tail := s[len(s)-n:]
	if i := strings.IndexAny(tail, " \n"); i >= 0 {
		tail = tail[i+1:]
	}
	return tail
}

// Ingest chunks the given text and stores every chunk under IDs derived
// from source. Existing chunks with the same IDs are overwritten, so
// re-ingesting an updated document replaces its previous content.
func (s *Store) Ingest(ctx context.Context, source, text string, metadata map[string]string) (int, error) {
	chunks := Chunk(text, DefaultChunkSize, DefaultChunkOverlap)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no content to ingest from %q", source)
	}

	for i, chunk := range chunks {
		meta := make(map[string]string, len(metadata)+2)
		for k, v := range metadata {
			meta[k] = v
		}
		meta["source"] = source
		meta["chunk"] = fmt.Sprintf("%d", i)

		doc := Document{
			ID:       chunkID(source, i),
			Content:  chunk,
			Metadata: meta,
		}
		if err := s.Add(ctx, doc); err != nil {
			return i, fmt.Errorf("failed to ingest chunk %d of %q: %w", i, source, err)
		}
	}

	s.logger.Info("ingested document", "source", source, "chunks", len(chunks))
	return len(chunks), nil
}

// chunkID derives a stable document ID from the source name and chunk index.
func chunkID(source string, index int) string {
	sum := sha256.Sum256([]byte(source))
	return fmt.Sprintf("%s-%04d", hex.EncodeToString(sum[:8]), index)
}
