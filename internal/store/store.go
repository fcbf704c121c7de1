// Package store defines the realtime keyed store the room client talks to,
// along with the backends that implement it. The store is path-addressed:
// a write at "messages/<key>" makes <key> a child of "messages", and a
// subscriber on "messages" is told about every child written beneath it.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is one child delivered by a read or a subscription.
// Key is the child's path relative to the read/subscribe path.
// Value is nil when the child was deleted.
type Record struct {
	Key   string
	Value json.RawMessage
}

// Subscription is a live feed of child events that must be cancelled when no
// longer needed. Cancel is idempotent.
type Subscription interface {
	Cancel()
}

// Realtime is the keyed store contract shared by all backends.
//
// ReadOnce returns up to limit children under path, ordered by child key
// (child keys sort by write time, see PushKey). limit <= 0 means no limit;
// otherwise the most recent limit children are returned.
//
// Subscribe delivers every child written under path from now on, in the
// order this client observes the writes. Deletes are delivered with a nil
// Value. The callback runs on the subscription's own goroutine; it must not
// block indefinitely.
//
// WriteAt fully replaces the value at path; a nil value deletes it.
type Realtime interface {
	ReadOnce(ctx context.Context, path string, limit int) ([]Record, error)
	Subscribe(ctx context.Context, path string, fn func(Record)) (Subscription, error)
	WriteAt(ctx context.Context, path string, value any) error
	Close() error
}

// PushKey generates a child key that sorts after every key generated earlier
// on any well-behaved clock: a zero-padded millisecond timestamp followed by
// a random suffix to break ties between writers.
func PushKey() string {
	return fmt.Sprintf("%013d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Join concatenates path segments with "/", skipping empty segments.
func Join(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}

// Split breaks a path into its parent and final child segment.
// Split("a/b/c") returns ("a/b", "c"); Split("a") returns ("", "a").
func Split(path string) (parent, child string) {
	path = strings.Trim(path, "/")
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// marshal encodes a write value, mapping nil to the nil payload that
// backends interpret as a delete.
func marshal(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return raw, nil
}
