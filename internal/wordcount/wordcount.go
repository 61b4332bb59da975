// Package wordcount carries the user-function contracts the engine
// invokes and the word-count implementation of them.
package wordcount

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/flaviotulioalmeida/mapreduce-redis/internal/types"
)

// Mapper is the map-side user function: one input record in, zero or
// more key-value pairs out. Implementations must be pure; the engine
// may re-run them on retry.
type Mapper interface {
	Map(key, value string) ([]types.KeyValue, error)
}

// Reducer is the reduce-side user function: one key with all its
// values in, one aggregate value out. Value order across mappers is
// not guaranteed, so implementations must not depend on it.
type Reducer interface {
	Reduce(key string, values []string) (string, error)
}

var wordPattern = regexp.MustCompile(`\w+`)

// WordCount implements both user functions for the word-count job:
// Map emits (word, 1) per lowercase word, Reduce sums the counts.
type WordCount struct{}

func New() *WordCount { return &WordCount{} }

func (w *WordCount) Map(key, value string) ([]types.KeyValue, error) {
	words := wordPattern.FindAllString(strings.ToLower(value), -1)
	out := make([]types.KeyValue, 0, len(words))
	for _, word := range words {
		out = append(out, types.KeyValue{Key: word, Value: "1"})
	}
	return out, nil
}

func (w *WordCount) Reduce(key string, values []string) (string, error) {
	sum := 0
	for _, v := range values {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", fmt.Errorf("non-numeric count for %q: %w", key, err)
		}
		sum += n
	}
	return strconv.Itoa(sum), nil
}
