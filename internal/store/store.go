package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a hash field does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned by Exec when an expectation does not hold.
	ErrConflict = errors.New("store: expectation failed")
	// ErrCrossPartition is returned by Exec when ops span more than one partition.
	ErrCrossPartition = errors.New("store: ops span multiple partitions")
	// ErrCorruptRecord is returned when a stored value cannot be decoded.
	ErrCorruptRecord = errors.New("store: corrupt record")
)

// Store is the partitioned hash/set storage shared by every server instance.
// Implementations must be safe for concurrent use.
type Store interface {
	// HGet returns ErrNotFound when the field is absent.
	HGet(ctx context.Context, key Key, field string) ([]byte, error)
	HGetAll(ctx context.Context, key Key) (map[string][]byte, error)
	HSet(ctx context.Context, key Key, field string, value []byte) error
	// HDel reports whether the field existed.
	HDel(ctx context.Context, key Key, field string) (bool, error)

	SAdd(ctx context.Context, key Key, member string) error
	// SRem reports whether the member existed.
	SRem(ctx context.Context, key Key, member string) (bool, error)
	SMembers(ctx context.Context, key Key) ([]string, error)

	// Exec applies ops as one atomic unit. Every op must target the same
	// partition. Expectations are checked before any mutation; if one fails
	// nothing is applied and ErrConflict is returned.
	Exec(ctx context.Context, ops ...Op) error

	Ping(ctx context.Context) error
	Close() error
}

// OpKind identifies what an Op does.
type OpKind string

const (
	OpHSet         OpKind = "hset"
	OpHDel         OpKind = "hdel"
	OpSAdd         OpKind = "sadd"
	OpSRem         OpKind = "srem"
	OpExpect       OpKind = "expect"
	OpExpectAbsent OpKind = "absent"
)

// Op is one step of an atomic Exec batch.
type Op struct {
	Kind  OpKind
	Key   Key
	Field string // hash field or set member
	Value []byte
}

func HSetOp(key Key, field string, value []byte) Op {
	return Op{Kind: OpHSet, Key: key, Field: field, Value: value}
}

func HDelOp(key Key, field string) Op {
	return Op{Kind: OpHDel, Key: key, Field: field}
}

func SAddOp(key Key, member string) Op {
	return Op{Kind: OpSAdd, Key: key, Field: member}
}

func SRemOp(key Key, member string) Op {
	return Op{Kind: OpSRem, Key: key, Field: member}
}

// Expect requires the hash field to currently hold exactly value.
func Expect(key Key, field string, value []byte) Op {
	return Op{Kind: OpExpect, Key: key, Field: field, Value: value}
}

// ExpectAbsent requires the hash field to be absent.
func ExpectAbsent(key Key, field string) Op {
	return Op{Kind: OpExpectAbsent, Key: key, Field: field}
}

func (o Op) isExpectation() bool {
	return o.Kind == OpExpect || o.Kind == OpExpectAbsent
}

// checkPartition returns the shared partition of ops.
func checkPartition(ops []Op) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}
	p := ops[0].Key.Partition
	for _, op := range ops[1:] {
		if op.Key.Partition != p {
			return 0, fmt.Errorf("%w: %s and %s", ErrCrossPartition, ops[0].Key, op.Key)
		}
	}
	for _, op := range ops {
		switch op.Kind {
		case OpHSet, OpHDel, OpSAdd, OpSRem, OpExpect, OpExpectAbsent:
		default:
			return 0, fmt.Errorf("store: unknown op %q", op.Kind)
		}
	}
	return p, nil
}

// Encode serializes a record for storage.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return data, nil
}

// Decode deserializes a stored record.
func Decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return v, nil
}
