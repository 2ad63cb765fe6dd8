package keytree

import (
	"context"
	"sync"
)

// MemoryTree is an in-process Tree. Writes are serialized, so transactions
// never conflict.
type MemoryTree struct {
	mu     sync.Mutex
	root   any
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	segs []string
	ch   chan Snapshot
	last string
}

func NewMemoryTree() *MemoryTree {
	return &MemoryTree{subs: make(map[int]*subscriber)}
}

func (t *MemoryTree) Get(ctx context.Context, path string) (Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshotOf(segs, getNode(t.root, segs))
}

func (t *MemoryTree) Set(ctx context.Context, path string, v any) error {
	_, err := t.write(ctx, path, func(any) (any, error) { return v, nil })
	return err
}

func (t *MemoryTree) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := t.write(ctx, path, func(cur any) (any, error) { return mergeFields(cur, fields) })
	return err
}

func (t *MemoryTree) Push(ctx context.Context, path string, v any) (string, error) {
	key := NewPushKey()
	if err := t.Set(ctx, path+"/"+key, v); err != nil {
		return "", err
	}
	return key, nil
}

func (t *MemoryTree) Remove(ctx context.Context, path string) error {
	_, err := t.write(ctx, path, func(any) (any, error) { return nil, nil })
	return err
}

func (t *MemoryTree) Transact(ctx context.Context, path string, fn func(cur Snapshot) (any, error)) (Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	return t.write(ctx, path, func(cur any) (any, error) {
		snap, err := snapshotOf(segs, cur)
		if err != nil {
			return nil, err
		}
		return fn(snap)
	})
}

// write applies fn to the node at path under the tree lock. fn receives the
// live node and may mutate it; its result is normalized before storing.
func (t *MemoryTree) write(ctx context.Context, path string, fn func(cur any) (any, error)) (Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := normalize(getNode(t.root, segs))
	if err != nil {
		return Snapshot{}, err
	}
	v, err := fn(cur)
	if err != nil {
		return Snapshot{}, err
	}
	nv, err := normalize(v)
	if err != nil {
		return Snapshot{}, err
	}
	t.root = setNode(t.root, segs, nv)
	t.notifyLocked(segs)
	return snapshotOf(segs, nv)
}

func (t *MemoryTree) Subscribe(ctx context.Context, path string) (<-chan Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	sub := &subscriber{segs: segs, ch: make(chan Snapshot, 1)}
	t.subs[id] = sub
	t.deliverLocked(sub)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.subs, id)
		close(sub.ch)
		t.mu.Unlock()
	}()
	return sub.ch, nil
}

func (t *MemoryTree) notifyLocked(changed []string) {
	for _, sub := range t.subs {
		if related(sub.segs, changed) {
			t.deliverLocked(sub)
		}
	}
}

func (t *MemoryTree) deliverLocked(sub *subscriber) {
	snap, err := snapshotOf(sub.segs, getNode(t.root, sub.segs))
	if err != nil {
		return
	}
	if string(snap.Raw) == sub.last {
		return
	}
	sub.last = string(snap.Raw)
	offer(sub.ch, snap)
}
