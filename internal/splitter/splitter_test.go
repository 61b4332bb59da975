package splitter

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write input: %v", err)
	}
	return path
}

func TestSplitPreservesEveryByte(t *testing.T) {
	cases := []struct {
		name      string
		content   string
		numChunks int
	}{
		{"trailing newline", "alpha beta gamma\ndelta epsilon\nzeta eta theta iota\nkappa\nlambda mu nu\n", 3},
		{"no trailing newline", "a b a\nc b a", 2},
		{"crlf line endings", "alpha beta\r\ngamma delta\r\n", 2},
		{"single unterminated line", "lonely", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := writeInput(t, tc.content)

			chunks, err := Split(input, tc.numChunks, t.TempDir())
			if err != nil {
				t.Fatalf("Split failed: %v", err)
			}

			var total int64
			var rejoined bytes.Buffer
			for _, chunk := range chunks {
				data, err := os.ReadFile(chunk.Ref)
				if err != nil {
					t.Fatalf("Failed to read chunk %d: %v", chunk.ID, err)
				}
				if int64(len(data)) != chunk.Size {
					t.Errorf("Chunk %d reports size %d, file has %d bytes", chunk.ID, chunk.Size, len(data))
				}
				total += chunk.Size
				rejoined.Write(data)
			}

			if total != int64(len(tc.content)) {
				t.Errorf("Chunk sizes sum to %d, input is %d bytes", total, len(tc.content))
			}
			if rejoined.String() != tc.content {
				t.Errorf("Rejoined chunks differ from input:\n%q\nvs\n%q", rejoined.String(), tc.content)
			}
		})
	}
}

func TestSplitKeepsUnterminatedFinalLineWhole(t *testing.T) {
	input := writeInput(t, "a b a\nc b a")

	chunks, err := Split(input, 2, t.TempDir())
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}

	first, _ := os.ReadFile(chunks[0].Ref)
	second, _ := os.ReadFile(chunks[1].Ref)
	if string(first) != "a b a\n" || string(second) != "c b a" {
		t.Errorf("Unexpected chunk contents: %q / %q", first, second)
	}
}

func TestSplitKeepsLinesIntact(t *testing.T) {
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, strings.Repeat("word ", i%7+1))
	}
	content := strings.Join(lines, "\n") + "\n"
	input := writeInput(t, content)

	chunks, err := Split(input, 5, t.TempDir())
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	seen := 0
	for _, chunk := range chunks {
		data, err := os.ReadFile(chunk.Ref)
		if err != nil {
			t.Fatalf("Failed to read chunk %d: %v", chunk.ID, err)
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			t.Errorf("Chunk %d does not end on a line boundary", chunk.ID)
		}
		for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
			if line != lines[seen] {
				t.Fatalf("Line %d corrupted across chunk boundary: %q vs %q", seen, line, lines[seen])
			}
			seen++
		}
	}
	if seen != len(lines) {
		t.Errorf("Expected %d lines across chunks, saw %d", len(lines), seen)
	}
}

func TestSplitTwoChunks(t *testing.T) {
	input := writeInput(t, "a b a\nc b a\n")

	chunks, err := Split(input, 2, t.TempDir())
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}

	first, _ := os.ReadFile(chunks[0].Ref)
	second, _ := os.ReadFile(chunks[1].Ref)
	if string(first) != "a b a\n" || string(second) != "c b a\n" {
		t.Errorf("Unexpected chunk contents: %q / %q", first, second)
	}
}

func TestSplitFewerLinesThanChunks(t *testing.T) {
	input := writeInput(t, "only one line\n")

	chunks, err := Split(input, 10, t.TempDir())
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("Expected a single chunk for a one-line input, got %d", len(chunks))
	}
}

func TestSplitRejectsInvalidChunkCount(t *testing.T) {
	input := writeInput(t, "x\n")
	if _, err := Split(input, 0, t.TempDir()); err == nil {
		t.Fatal("Expected error for numChunks = 0")
	}
}

func TestSplitRejectsEmptyInput(t *testing.T) {
	input := writeInput(t, "")
	if _, err := Split(input, 2, t.TempDir()); err == nil {
		t.Fatal("Expected error for empty input")
	}
}
