package datagen

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateReachesTargetSize(t *testing.T) {
	out := filepath.Join(t.TempDir(), "data.txt")

	if err := Generate(out, 1, 10); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() < 1024*1024 {
		t.Errorf("Expected at least 1MB, got %d bytes", info.Size())
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() && lines < 100 {
		words := strings.Fields(scanner.Text())
		if len(words) != 10 {
			t.Fatalf("Line %d has %d words, expected 10", lines, len(words))
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
}

func TestGenerateRejectsInvalidSize(t *testing.T) {
	if err := Generate(filepath.Join(t.TempDir(), "data.txt"), 0, 10); err == nil {
		t.Fatal("Expected error for sizeMB = 0")
	}
}
