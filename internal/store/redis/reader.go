package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	goredis "github.com/go-redis/redis/v8"
)

// Reader serves raw upstream position snapshots stored in a Redis hash.
// Another process (an order router, a broker bridge) keeps the hash current.
type Reader struct {
	client *goredis.Client
	key    string
}

// NewReader returns a Reader over the given hash. An empty key means
// RawPositionsKey.
func NewReader(client *goredis.Client, key string) *Reader {
	if key == "" {
		key = RawPositionsKey
	}
	return &Reader{client: client, key: key}
}

// Name identifies the source in logs and metrics.
func (r *Reader) Name() string { return "redis" }

// Fetch returns every snapshot in the hash, ordered by field. Values that are
// not JSON objects are logged and skipped. Numbers are kept as json.Number.
func (r *Reader) Fetch(ctx context.Context) ([]map[string]any, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", r.key, err)
	}

	fields := make([]string, 0, len(all))
	for f := range all {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make([]map[string]any, 0, len(fields))
	for _, f := range fields {
		rec, err := decodeRecord(all[f])
		if err != nil {
			log.Printf("[redis-reader] skip %s/%s: %v", r.key, f, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRecord(s string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("not an object")
	}
	return rec, nil
}
