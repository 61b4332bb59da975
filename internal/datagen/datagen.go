// Package datagen produces random-word input files for exercising the
// engine at size.
package datagen

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

var commonWords = []string{
	"the", "be", "to", "of", "and", "a", "in", "that", "have", "i",
	"it", "for", "not", "on", "with", "he", "as", "you", "do", "at",
	"this", "but", "his", "by", "from", "they", "we", "say", "her", "she",
	"or", "an", "will", "my", "one", "all", "would", "there", "their", "what",
	"so", "up", "out", "if", "about", "who", "get", "which", "go", "me",
	"when", "make", "can", "like", "time", "no", "just", "him", "know", "take",
	"people", "into", "year", "your", "good", "some", "could", "them", "see", "other",
	"than", "then", "now", "look", "only", "come", "its", "over", "think", "also",
	"back", "after", "use", "two", "how", "our", "work", "first", "well", "way",
	"even", "new", "want", "because", "any", "these", "give", "day", "most", "us",
}

// Generate writes roughly sizeMB megabytes of random common words to
// outputFile, wordsPerLine words per line.
func Generate(outputFile string, sizeMB, wordsPerLine int) error {
	if sizeMB < 1 {
		return fmt.Errorf("sizeMB must be >= 1, got %d", sizeMB)
	}
	if wordsPerLine < 1 {
		wordsPerLine = 10
	}
	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	f, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("failed to create data file %s: %w", outputFile, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	target := int64(sizeMB) * 1024 * 1024
	var written int64

	for written < target {
		for i := 0; i < wordsPerLine; i++ {
			if i > 0 {
				if err := w.WriteByte(' '); err != nil {
					return fmt.Errorf("failed to write data: %w", err)
				}
				written++
			}
			word := commonWords[rand.Intn(len(commonWords))]
			n, err := w.WriteString(word)
			if err != nil {
				return fmt.Errorf("failed to write data: %w", err)
			}
			written += int64(n)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write data: %w", err)
		}
		written++
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush data file: %w", err)
	}
	return nil
}
