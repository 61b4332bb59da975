// Package splitter cuts the job input into line-aligned chunks of
// roughly equal byte size, one per map task.
package splitter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/flaviotulioalmeida/mapreduce-redis/internal/types"
)

// Split divides inputFile into at most numChunks chunk files under
// outDir. Splits happen only at line boundaries, and lines are copied
// byte for byte, so every line lands in exactly one chunk and the
// chunk sizes sum to the input size: carriage returns survive and a
// final line without a trailing newline stays that way. Fewer chunks
// than requested are produced when the input runs out of lines.
func Split(inputFile string, numChunks int, outDir string) ([]types.Chunk, error) {
	if numChunks < 1 {
		return nil, fmt.Errorf("numChunks must be >= 1, got %d", numChunks)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunks directory: %w", err)
	}

	info, err := os.Stat(inputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to stat input %s: %w", inputFile, err)
	}
	target := (info.Size() + int64(numChunks) - 1) / int64(numChunks)

	in, err := os.Open(inputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open input %s: %w", inputFile, err)
	}
	defer in.Close()

	var (
		chunks  []types.Chunk
		cur     *os.File
		curBuf  *bufio.Writer
		curSize int64
	)

	closeCurrent := func() error {
		if cur == nil {
			return nil
		}
		if err := curBuf.Flush(); err != nil {
			cur.Close()
			return fmt.Errorf("failed to flush chunk %d: %w", len(chunks), err)
		}
		if err := cur.Close(); err != nil {
			return fmt.Errorf("failed to close chunk %d: %w", len(chunks), err)
		}
		chunks = append(chunks, types.Chunk{
			ID:   len(chunks),
			Ref:  filepath.Join(outDir, fmt.Sprintf("chunk%d.txt", len(chunks))),
			Size: curSize,
		})
		cur, curBuf, curSize = nil, nil, 0
		return nil
	}

	openNext := func() error {
		path := filepath.Join(outDir, fmt.Sprintf("chunk%d.txt", len(chunks)))
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create chunk file %s: %w", path, err)
		}
		cur = f
		curBuf = bufio.NewWriter(f)
		return nil
	}

	reader := bufio.NewReaderSize(in, 1024*1024)
	for {
		line, rerr := reader.ReadString('\n')
		if len(line) > 0 {
			if cur == nil {
				if err := openNext(); err != nil {
					return nil, err
				}
			}
			n, werr := curBuf.WriteString(line)
			if werr != nil {
				cur.Close()
				return nil, fmt.Errorf("failed to write chunk %d: %w", len(chunks), werr)
			}
			curSize += int64(n)

			// The last chunk absorbs the remainder, same as every chunk
			// absorbing its boundary line: size targets are approximate,
			// line integrity is not.
			if curSize >= target && len(chunks) < numChunks-1 {
				if err := closeCurrent(); err != nil {
					return nil, err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if cur != nil {
				cur.Close()
			}
			return nil, fmt.Errorf("failed to read input %s: %w", inputFile, rerr)
		}
	}
	if err := closeCurrent(); err != nil {
		return nil, err
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("input %s contains no lines", inputFile)
	}
	return chunks, nil
}
