package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

type keyMaterial struct {
	Args   []any               `json:"a"`
	Kwargs map[string]any      `json:"k"`
	Query  map[string][]string `json:"q"`
}

// Key derives a cache key from a handler name and its inputs. Keyword
// arguments and query parameters hash the same in any order.
func Key(handler string, args []any, kwargs map[string]any, query url.Values) string {
	material := keyMaterial{Args: args, Kwargs: kwargs, Query: make(map[string][]string, len(query))}
	for name, values := range query {
		sorted := append([]string(nil), values...)
		sort.Strings(sorted)
		material.Query[name] = sorted
	}

	body, err := json.Marshal(material)
	if err != nil {
		body = []byte(fmt.Sprintf("%v|%v|%v", args, kwargs, material.Query))
	}
	sum := blake2b.Sum256(body)
	return handler + ":" + hex.EncodeToString(sum[:])
}

// Fetch returns the cached value for key, or calls load and caches its
// result. The bool reports a cache hit. Load errors are not cached.
func Fetch[T any](ctx context.Context, c *ResponseCache, key, dataType string, load func(context.Context) (T, error)) (T, bool, error) {
	if entry, ok := c.Get(ctx, key); ok {
		var cached T
		if err := entry.Decode(&cached); err == nil {
			return cached, true, nil
		}
	}

	value, err := load(ctx)
	if err != nil {
		return value, false, err
	}
	if err := c.Set(ctx, key, value, 0, dataType); err != nil {
		c.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return value, false, nil
}
