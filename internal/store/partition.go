package store

import (
	"crypto/md5"
	"fmt"
)

// DefaultPartitions is the partition count used when none is configured.
const DefaultPartitions = 100

// Partitioner maps keys onto a fixed number of partitions.
type Partitioner struct {
	n int
}

// NewPartitioner returns a partitioner over n partitions. n <= 0 falls back to DefaultPartitions.
func NewPartitioner(n int) Partitioner {
	if n <= 0 {
		n = DefaultPartitions
	}
	return Partitioner{n: n}
}

// Count returns the number of partitions.
func (p Partitioner) Count() int {
	if p.n <= 0 {
		return DefaultPartitions
	}
	return p.n
}

// Of returns the partition owning key: the md5 digest read as a big-endian
// 128-bit integer, modulo the partition count.
func (p Partitioner) Of(key string) int {
	sum := md5.Sum([]byte(key))
	n := p.Count()
	rem := 0
	for _, b := range sum {
		rem = (rem*256 + int(b)) % n
	}
	return rem
}

// Key names one hash or set inside a partition.
type Key struct {
	Name      string
	Partition int
}

// KeyFor builds the key of map/set name in the partition owning owner.
func (p Partitioner) KeyFor(name, owner string) Key {
	return Key{Name: name, Partition: p.Of(owner)}
}

// String renders the key with a hash tag so a Redis Cluster puts every key of a
// partition in the same slot.
func (k Key) String() string {
	return fmt.Sprintf("%s{partition_%d}", k.Name, k.Partition)
}
