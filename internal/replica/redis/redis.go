// Package redis stores ledger documents in Redis and follows them with
// pub/sub. A document lives under its key as JSON, with the revision and
// the writer's origin next to it; every write publishes a change notice on
// key:changes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"cashbook/internal/core"
	"cashbook/internal/replica"
)

// writeScript bumps the revision, stores the document and origin, and
// publishes the change in one atomic step.
var writeScript = goredis.NewScript(`
local rev = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[3], ARGV[2])
redis.call('PUBLISH', KEYS[4], '{"revision":' .. rev .. ',"origin":' .. ARGV[3] .. '}')
return rev
`)

// change is the pub/sub payload.
type change struct {
	Revision int64  `json:"revision"`
	Origin   string `json:"origin"`
}

// Store implements replica.DocumentStore on a go-redis client.
type Store struct {
	client *goredis.Client
	prefix string
}

// New wraps client. Keys are namespaced with prefix, e.g. "cashbook:".
func New(client *goredis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// NewFromURL parses a redis:// URL and connects.
func NewFromURL(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix), nil
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) docKey(key string) string     { return s.prefix + key }
func (s *Store) revKey(key string) string     { return s.prefix + key + ":rev" }
func (s *Store) originKey(key string) string  { return s.prefix + key + ":origin" }
func (s *Store) changesKey(key string) string { return s.prefix + key + ":changes" }

// Get implements replica.DocumentStore.
func (s *Store) Get(ctx context.Context, key string) (replica.Snapshot, error) {
	vals, err := s.client.MGet(ctx, s.docKey(key), s.revKey(key), s.originKey(key)).Result()
	if err != nil {
		return replica.Snapshot{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	var snap replica.Snapshot
	if rev, ok := vals[1].(string); ok {
		snap.Revision, err = strconv.ParseInt(rev, 10, 64)
		if err != nil {
			return replica.Snapshot{}, fmt.Errorf("redis get %s: bad revision %q: %w", key, rev, err)
		}
	}
	raw, ok := vals[0].(string)
	if !ok {
		return snap, nil
	}
	doc, err := core.DecodeDocument([]byte(raw))
	if err != nil {
		return replica.Snapshot{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	snap.Document = doc
	snap.Exists = true
	snap.Origin, _ = vals[2].(string)
	return snap, nil
}

// Write implements replica.DocumentStore.
func (s *Store) Write(ctx context.Context, key string, doc core.Document, origin string) (int64, error) {
	data, err := core.EncodeDocument(doc)
	if err != nil {
		return 0, err
	}
	quoted, err := json.Marshal(origin)
	if err != nil {
		return 0, err
	}
	keys := []string{s.docKey(key), s.revKey(key), s.originKey(key), s.changesKey(key)}
	rev, err := writeScript.Run(ctx, s.client, keys, string(data), origin, string(quoted)).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis write %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes the document. Subscribers receive an absent snapshot.
func (s *Store) Delete(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.docKey(key), s.originKey(key))
	rev := pipe.Incr(ctx, s.revKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	payload, _ := json.Marshal(change{Revision: rev.Val()})
	return s.client.Publish(ctx, s.changesKey(key), payload).Err()
}

// Subscribe implements replica.DocumentStore. It subscribes before reading
// the current state so no change published in between is lost.
func (s *Store) Subscribe(ctx context.Context, key string) (<-chan replica.Update, error) {
	ps := s.client.Subscribe(ctx, s.changesKey(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", key, err)
	}
	initial, err := s.Get(ctx, key)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan replica.Update)
	go s.follow(ctx, key, ps, initial, out)
	return out, nil
}

func (s *Store) follow(ctx context.Context, key string, ps *goredis.PubSub, initial replica.Snapshot, out chan<- replica.Update) {
	defer close(out)
	defer ps.Close()

	send := func(u replica.Update) bool {
		select {
		case out <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}
	if !send(replica.Update{Snapshot: initial}) {
		return
	}
	last := initial.Revision

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, goredis.ErrClosed) {
				send(replica.Update{Err: fmt.Errorf("redis subscription %s: %w", key, err)})
			}
			return
		}
		var c change
		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
			continue
		}
		if c.Revision <= last {
			continue
		}
		snap, err := s.Get(ctx, key)
		if err != nil {
			if ctx.Err() == nil {
				send(replica.Update{Err: err})
			}
			return
		}
		// Several notices may collapse into one read of the latest state.
		if snap.Revision <= last {
			continue
		}
		last = snap.Revision
		if !send(replica.Update{Snapshot: snap}) {
			return
		}
	}
}
