package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the connection settings for the Redis backend.
type RedisConfig struct {
	Address  string
	Password string
	DB       int

	// Prefix namespaces every key and channel, so several rooms can share
	// one Redis instance. Defaults to "upperroom".
	Prefix string
}

// Redis implements Realtime on a shared Redis instance.
//
// Layout: the children under a top-level path live in one hash, and every
// write is additionally published on a per-path channel so subscribers on
// other clients observe it:
//
//	<prefix>:data:<top>     HASH   field = child path, value = JSON record
//	<prefix>:events:<top>   PUBSUB {"key": child path, "value": record|null}
type Redis struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

type redisEvent struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(cfg RedisConfig, log zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "upperroom"
	}

	return &Redis{client: client, prefix: prefix, log: log}, nil
}

// top splits a path into its first segment and the remainder.
func top(path string) (string, string) {
	path = strings.Trim(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

func (r *Redis) dataKey(topSeg string) string {
	return fmt.Sprintf("%s:data:%s", r.prefix, topSeg)
}

func (r *Redis) eventChannel(topSeg string) string {
	return fmt.Sprintf("%s:events:%s", r.prefix, topSeg)
}

// ReadOnce loads the children under path from the backing hash, ordered by
// child key. With a positive limit only the most recent limit are returned.
func (r *Redis) ReadOnce(ctx context.Context, path string, limit int) ([]Record, error) {
	topSeg, rest := top(path)

	fields, err := r.client.HGetAll(ctx, r.dataKey(topSeg)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var recs []Record
	for field, val := range fields {
		key := field
		if rest != "" {
			if !strings.HasPrefix(field, rest+"/") {
				continue
			}
			key = strings.TrimPrefix(field, rest+"/")
		}
		recs = append(recs, Record{Key: key, Value: json.RawMessage(val)})
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}

// WriteAt stores the value in the hash and publishes the event; a nil value
// deletes the field and publishes a null-valued event.
func (r *Redis) WriteAt(ctx context.Context, path string, value any) error {
	raw, err := marshal(value)
	if err != nil {
		return err
	}

	topSeg, rest := top(path)
	if rest == "" {
		return fmt.Errorf("cannot write at top-level path %q", path)
	}

	pipe := r.client.TxPipeline()
	if raw == nil {
		pipe.HDel(ctx, r.dataKey(topSeg), rest)
	} else {
		pipe.HSet(ctx, r.dataKey(topSeg), rest, string(raw))
	}

	payload, err := json.Marshal(redisEvent{Key: rest, Value: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", path, err)
	}
	pipe.Publish(ctx, r.eventChannel(topSeg), string(payload))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Subscribe listens on the path's event channel. The receive loop reconnects
// after transient errors until the subscription is cancelled.
func (r *Redis) Subscribe(ctx context.Context, path string, fn func(Record)) (Subscription, error) {
	topSeg, rest := top(path)

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSub{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		for {
			if err := r.receive(subCtx, topSeg, rest, fn); err != nil && subCtx.Err() == nil {
				r.log.Warn().Err(err).Str("path", path).Msg("store subscription error, reconnecting in 2s")
				select {
				case <-subCtx.Done():
					return
				case <-time.After(2 * time.Second):
					continue
				}
			}
			return
		}
	}()

	return sub, nil
}

func (r *Redis) receive(ctx context.Context, topSeg, rest string, fn func(Record)) error {
	pubsub := r.client.Subscribe(ctx, r.eventChannel(topSeg))
	defer pubsub.Close()

	// Wait for the subscription to be active before reporting success.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("pubsub channel closed")
			}
			var ev redisEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn().Err(err).Msg("store: dropping malformed event")
				continue
			}
			key := ev.Key
			if rest != "" {
				if !strings.HasPrefix(ev.Key, rest+"/") {
					continue
				}
				key = strings.TrimPrefix(ev.Key, rest+"/")
			}
			fn(Record{Key: key, Value: ev.Value})
		}
	}
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) Cancel() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}
