// Package keytree adapts a hierarchical, path-addressed realtime store.
//
// Paths are slash separated ("trips/{id}/passengers"). Values are anything
// that encodes to JSON; an empty object and null both mean "absent".
package keytree

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

var (
	ErrUnavailable  = errors.New("keytree: store unavailable")
	ErrConflict     = errors.New("keytree: transaction retries exhausted")
	ErrInvalidPath  = errors.New("keytree: invalid path")
	ErrShallowWrite = errors.New("keytree: writes require at least two path segments")
)

// Tree is the store surface used by the coordination code.
type Tree interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, v any) error
	// Update shallow-merges fields into the node at path.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Push writes v under a new time-ordered key and returns the key.
	Push(ctx context.Context, path string, v any) (string, error)
	Remove(ctx context.Context, path string) error
	// Transact runs fn against the current value and writes its result only
	// if nothing changed in between. fn may run more than once and must not
	// have side effects. Returning nil removes the node; returning an error
	// aborts without writing.
	Transact(ctx context.Context, path string, fn func(cur Snapshot) (any, error)) (Snapshot, error)
	// Subscribe delivers the current value and then every change at or
	// below path. The channel closes when ctx ends.
	Subscribe(ctx context.Context, path string) (<-chan Snapshot, error)
}

// Snapshot is an immutable JSON view of one node.
type Snapshot struct {
	Key string
	Raw json.RawMessage
}

func (s Snapshot) Exists() bool {
	r := strings.TrimSpace(string(s.Raw))
	return r != "" && r != "null"
}

func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return fmt.Errorf("keytree: decode %q: node absent", s.Key)
	}
	return json.Unmarshal(s.Raw, v)
}

// Children returns the keyed child snapshots ordered by key. Push keys sort
// chronologically, so list children come back in insertion order.
func (s Snapshot) Children() ([]Snapshot, error) {
	if !s.Exists() {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(s.Raw, &m); err != nil {
		return nil, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, Snapshot{Key: k, Raw: m[k]})
	}
	return out, nil
}

func snapshotOf(segs []string, n any) (Snapshot, error) {
	key := ""
	if len(segs) > 0 {
		key = segs[len(segs)-1]
	}
	b, err := json.Marshal(n)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Key: key, Raw: b}, nil
}

// Join builds a path from segments.
func Join(segs ...string) string { return strings.Join(segs, "/") }

func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, ".#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

var pushSeq atomic.Uint32

// NewPushKey returns a key that sorts after every key generated earlier by
// this process.
func NewPushKey() string {
	var b [14]byte
	binary.BigEndian.PutUint64(b[:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint16(b[8:10], uint16(pushSeq.Add(1)))
	_, _ = rand.Read(b[10:])
	return hex.EncodeToString(b[:])
}

// offer delivers s on ch, replacing an undelivered older value. Only one
// goroutine may send on ch.
func offer(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
