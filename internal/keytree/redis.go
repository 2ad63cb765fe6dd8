package keytree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisTree stores the tree in Redis as one JSON document per second-level
// node ("trips/{id}", "users/{uid}"). A set per collection lists its
// documents, and every write publishes on the document's change channel.
// All writes run under WATCH/MULTI, so each one is a guarded update.
type RedisTree struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	// OnRetry, when set, is called each time a transaction loses a race.
	OnRetry func(path string)
}

func NewRedisTree(client *redis.Client, prefix string, maxRetries int) *RedisTree {
	if prefix == "" {
		prefix = "kt"
	}
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &RedisTree{client: client, prefix: prefix, maxRetries: maxRetries}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (t *RedisTree) docKey(segs []string) string { return t.prefix + ":doc:" + segs[0] + "/" + segs[1] }
func (t *RedisTree) indexKey(coll string) string { return t.prefix + ":idx:" + coll }
func (t *RedisTree) changeChan(segs []string) string { return t.prefix + ":chg:" + segs[0] + "/" + segs[1] }

func (t *RedisTree) Get(ctx context.Context, path string) (Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	if len(segs) == 1 {
		coll, err := t.readCollection(ctx, segs[0])
		if err != nil {
			return Snapshot{}, err
		}
		return snapshotOf(segs, coll)
	}
	doc, err := t.readDoc(ctx, t.client, segs)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(segs, getNode(doc, segs[2:]))
}

func (t *RedisTree) readCollection(ctx context.Context, coll string) (any, error) {
	ids, err := t.client.SMembers(ctx, t.indexKey(coll)).Result()
	if err != nil {
		return nil, classify(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = t.docKey([]string{coll, id})
	}
	vals, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make(map[string]any, len(ids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var n any
		if err := json.Unmarshal([]byte(s), &n); err != nil {
			return nil, fmt.Errorf("keytree: decode %s: %w", keys[i], err)
		}
		out[ids[i]] = n
	}
	return prune(out), nil
}

func (t *RedisTree) readDoc(ctx context.Context, c getter, segs []string) (any, error) {
	raw, err := c.Get(ctx, t.docKey(segs)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("keytree: decode %s: %w", t.docKey(segs), err)
	}
	return doc, nil
}

func (t *RedisTree) Set(ctx context.Context, path string, v any) error {
	_, err := t.mutate(ctx, path, func(any) (any, error) { return v, nil })
	return err
}

func (t *RedisTree) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := t.mutate(ctx, path, func(cur any) (any, error) { return mergeFields(cur, fields) })
	return err
}

func (t *RedisTree) Push(ctx context.Context, path string, v any) (string, error) {
	key := NewPushKey()
	if err := t.Set(ctx, path+"/"+key, v); err != nil {
		return "", err
	}
	return key, nil
}

func (t *RedisTree) Remove(ctx context.Context, path string) error {
	_, err := t.mutate(ctx, path, func(any) (any, error) { return nil, nil })
	return err
}

func (t *RedisTree) Transact(ctx context.Context, path string, fn func(cur Snapshot) (any, error)) (Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	return t.mutate(ctx, path, func(cur any) (any, error) {
		snap, err := snapshotOf(segs, cur)
		if err != nil {
			return nil, err
		}
		return fn(snap)
	})
}

func (t *RedisTree) mutate(ctx context.Context, path string, fn func(cur any) (any, error)) (Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	if len(segs) < 2 {
		return Snapshot{}, ErrShallowWrite
	}
	key := t.docKey(segs)
	rest := segs[2:]

	var result Snapshot
	txf := func(tx *redis.Tx) error {
		doc, err := t.readDoc(ctx, tx, segs)
		if err != nil {
			return err
		}
		v, err := fn(getNode(doc, rest))
		if err != nil {
			return err
		}
		nv, err := normalize(v)
		if err != nil {
			return err
		}
		doc = setNode(doc, rest, nv)
		result, err = snapshotOf(segs, nv)
		if err != nil {
			return err
		}
		var encoded []byte
		if doc != nil {
			if encoded, err = json.Marshal(doc); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if doc == nil {
				p.Del(ctx, key)
				p.SRem(ctx, t.indexKey(segs[0]), segs[1])
			} else {
				p.Set(ctx, key, encoded, 0)
				p.SAdd(ctx, t.indexKey(segs[0]), segs[1])
			}
			p.Publish(ctx, t.changeChan(segs), Join(segs...))
			return nil
		})
		return err
	}

	for i := 0; i < t.maxRetries; i++ {
		err := t.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			if t.OnRetry != nil {
				t.OnRetry(path)
			}
			continue
		}
		return Snapshot{}, classify(err)
	}
	return Snapshot{}, fmt.Errorf("%w: %s", ErrConflict, path)
}

func (t *RedisTree) Subscribe(ctx context.Context, path string) (<-chan Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	var ps *redis.PubSub
	if len(segs) == 1 {
		ps = t.client.PSubscribe(ctx, t.prefix+":chg:"+segs[0]+"/*")
	} else {
		ps = t.client.Subscribe(ctx, t.changeChan(segs))
	}
	// wait for the subscription to be confirmed so the initial read below
	// cannot miss a write
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, classify(err)
	}
	first, err := t.Get(ctx, path)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Snapshot, 1)
	out <- first
	go func() {
		defer close(out)
		defer ps.Close()
		last := string(first.Raw)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				if !related(segs, strings.Split(m.Payload, "/")) {
					continue
				}
				snap, err := t.Get(ctx, path)
				if err != nil {
					continue
				}
				if string(snap.Raw) == last {
					continue
				}
				last = string(snap.Raw)
				offer(out, snap)
			}
		}
	}()
	return out, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
