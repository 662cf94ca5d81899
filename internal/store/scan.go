package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// scanConcurrency caps the partitions read at once by a scan.
const scanConcurrency = 8

// ListAll returns every field of hash name across all partitions. It costs one
// round trip per partition and is meant for maintenance scans only.
func ListAll(ctx context.Context, s Store, p Partitioner, name string) (map[string][]byte, error) {
	var mu sync.Mutex
	out := make(map[string][]byte)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for i := 0; i < p.Count(); i++ {
		key := Key{Name: name, Partition: i}
		g.Go(func() error {
			fields, err := s.HGetAll(ctx, key)
			if err != nil {
				return fmt.Errorf("list %s: %w", key, err)
			}
			mu.Lock()
			for f, v := range fields {
				out[f] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// MembersAll returns the sorted union of set name across all partitions.
func MembersAll(ctx context.Context, s Store, p Partitioner, name string) ([]string, error) {
	var mu sync.Mutex
	out := make([]string, 0)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for i := 0; i < p.Count(); i++ {
		key := Key{Name: name, Partition: i}
		g.Go(func() error {
			members, err := s.SMembers(ctx, key)
			if err != nil {
				return fmt.Errorf("members %s: %w", key, err)
			}
			mu.Lock()
			out = append(out, members...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
