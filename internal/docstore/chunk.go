package docstore

import "strings"

// ChunkSize is the chunk length in runes. Splitting counts runes, not bytes,
// so multi-byte text never splits mid-character.
const ChunkSize = 500

// Chunk splits text into consecutive pieces of at most size runes.
// Whitespace-only input yields no chunks.
func Chunk(text string, size int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
