package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/graphflow/pkg/api"
)

// RedisRunStore is a RunStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>run:<id>                => gob-encoded snapshot
//	<prefix>idx:all                 => SET of all run IDs
//	<prefix>idx:graph:<graph>       => SET of run IDs for a given graph
//	<prefix>idx:status:<status>     => SET of run IDs for a given status
//
// The indexes are best-effort; ListRuns re-checks the filter against the
// decoded snapshot, so stale status entries are harmless.
type RedisRunStore struct {
	client *redis.Client
	prefix string
}

var _ RunStore = (*RedisRunStore)(nil)

// NewRedisRunStore creates a RedisRunStore.
// prefix is optional but recommended (e.g. "graphflow:").
func NewRedisRunStore(client *redis.Client, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "graphflow:"
	}
	return &RedisRunStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisRunStore) keyRun(id string) string {
	return s.prefix + "run:" + id
}

func (s *RedisRunStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisRunStore) keyGraph(name string) string {
	return s.prefix + "idx:graph:" + name
}

func (s *RedisRunStore) keyStatus(status api.RunStatus) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisRunStore) SaveRun(ctx context.Context, snap *api.RunSnapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.keyRun(snap.RunID), data, 0).Err(); err != nil {
		return err
	}
	s.index(ctx, snap)
	return nil
}

func (s *RedisRunStore) UpdateRun(ctx context.Context, snap *api.RunSnapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	// SET XX only overwrites an existing key.
	ok, err := s.client.SetXX(ctx, s.keyRun(snap.RunID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunNotFound
	}
	s.index(ctx, snap)
	return nil
}

// index updates the lookup sets. Failures are not fatal.
func (s *RedisRunStore) index(ctx context.Context, snap *api.RunSnapshot) {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), snap.RunID)
	pipe.SAdd(ctx, s.keyGraph(snap.Graph), snap.RunID)
	for _, st := range []api.RunStatus{api.RunPending, api.RunRunning, api.RunWaiting, api.RunCompleted, api.RunFailed, api.RunCancelled} {
		if st != snap.Status {
			pipe.SRem(ctx, s.keyStatus(st), snap.RunID)
		}
	}
	pipe.SAdd(ctx, s.keyStatus(snap.Status), snap.RunID)
	_, _ = pipe.Exec(ctx)
}

func (s *RedisRunStore) GetRun(ctx context.Context, id string) (*api.RunSnapshot, error) {
	data, err := s.client.Get(ctx, s.keyRun(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return DecodeSnapshot(data)
}

func (s *RedisRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunSnapshot, error) {
	var ids []string
	var err error

	switch {
	case filter.Graph != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx,
			s.keyGraph(filter.Graph),
			s.keyStatus(filter.Status),
		).Result()
	case filter.Graph != "":
		ids, err = s.client.SMembers(ctx, s.keyGraph(filter.Graph)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.RunSnapshot{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.RunSnapshot{}, nil
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyRun(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	runs := []*api.RunSnapshot{}
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		snap, err := DecodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(snap) {
			runs = append(runs, snap)
		}
	}

	return runs, nil
}

// RedisEventStore keeps each run's history in a Redis list.
type RedisEventStore struct {
	client *redis.Client
	prefix string
}

var _ EventStore = (*RedisEventStore)(nil)

func NewRedisEventStore(client *redis.Client, prefix string) *RedisEventStore {
	if prefix == "" {
		prefix = "graphflow:"
	}
	return &RedisEventStore{client: client, prefix: prefix}
}

func (s *RedisEventStore) key(runID string) string {
	return s.prefix + "events:" + runID
}

func (s *RedisEventStore) AppendEvent(ctx context.Context, ev api.RunEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&ev); err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key(ev.RunID), buf.Bytes()).Err()
}

func (s *RedisEventStore) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	items, err := s.client.LRange(ctx, s.key(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.RunEvent, 0, len(items))
	for _, item := range items {
		var ev api.RunEvent
		if err := gob.NewDecoder(bytes.NewReader([]byte(item))).Decode(&ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
