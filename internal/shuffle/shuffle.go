// Package shuffle regroups map output by key and partitions the keys
// across reducer buckets.
package shuffle

import (
	"fmt"
	"hash/fnv"

	"github.com/flaviotulioalmeida/mapreduce-redis/internal/logger"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/storage"
	"github.com/flaviotulioalmeida/mapreduce-redis/internal/types"
)

// Partition routes a key to a reducer bucket in [0, numReducers).
// FNV-1a is seedless, so the assignment is identical on every run for
// a fixed key and reducer count.
func Partition(key string, numReducers int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(numReducers))
}

// Engine performs the shuffle step between the map and reduce phases.
type Engine struct {
	store       storage.Store
	numReducers int
	logger      *logger.Logger
}

func NewEngine(store storage.Store, numReducers int, lg *logger.Logger) (*Engine, error) {
	if numReducers < 1 {
		return nil, fmt.Errorf("numReducers must be >= 1, got %d", numReducers)
	}
	return &Engine{store: store, numReducers: numReducers, logger: lg}, nil
}

// Run reads every map output ref, groups records by key and writes one
// input set per partition, returning the partition refs in bucket
// order. Values keep the order they were emitted in within a single
// mapper; interleaving across mappers follows the ref order given.
// Re-running with the same inputs rewrites identical partition files.
func (e *Engine) Run(mapOutputRefs []string) ([]string, error) {
	groups := make([]map[string]*types.KeyGroup, e.numReducers)
	order := make([][]string, e.numReducers)
	for p := range groups {
		groups[p] = make(map[string]*types.KeyGroup)
	}

	records := 0
	for _, ref := range mapOutputRefs {
		recs, err := e.store.ReadRecords(ref)
		if err != nil {
			return nil, fmt.Errorf("shuffle failed reading map output %s: %w", ref, err)
		}
		records += len(recs)
		for _, rec := range recs {
			p := Partition(rec.Key, e.numReducers)
			g, ok := groups[p][rec.Key]
			if !ok {
				g = &types.KeyGroup{Key: rec.Key}
				groups[p][rec.Key] = g
				order[p] = append(order[p], rec.Key)
			}
			g.Values = append(g.Values, rec.Value)
		}
	}

	refs := make([]string, e.numReducers)
	for p := 0; p < e.numReducers; p++ {
		ref := types.PartitionRef(p)
		w, err := e.store.OpenGroupWriter(ref)
		if err != nil {
			return nil, fmt.Errorf("shuffle failed opening partition %d: %w", p, err)
		}
		for _, key := range order[p] {
			if err := w.Append(*groups[p][key]); err != nil {
				w.Close()
				return nil, fmt.Errorf("shuffle failed writing partition %d: %w", p, err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("shuffle failed closing partition %d: %w", p, err)
		}
		refs[p] = ref
	}

	e.logger.Info("Shuffle complete: records=%d partitions=%d map_outputs=%d",
		records, e.numReducers, len(mapOutputRefs))
	return refs, nil
}
