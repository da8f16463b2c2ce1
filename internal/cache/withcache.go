package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/navcache/navcache/pkg/errors"
)

// WithCache wraps fn so results are cached under keyFn(arg). Results are
// stored as JSON; a cached value that no longer decodes is deleted and
// reported as CORRUPT_STATE.
func WithCache[A, R any](s *Store, fn func(context.Context, A) (R, error), keyFn func(A) string, opts ...Option) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		var zero R
		key := keyFn(arg)

		raw, err := s.Get(ctx, key, func(ctx context.Context) ([]byte, error) {
			v, err := fn(ctx, arg)
			if err != nil {
				return nil, err
			}
			return json.Marshal(v)
		}, opts...)
		if err != nil {
			return zero, err
		}

		var out R
		if err := json.Unmarshal(raw, &out); err != nil {
			s.Delete(ctx, key)
			return zero, errors.Wrap(err, errors.ErrCodeCorruptState, "cached result does not decode").
				WithComponent("cache").
				WithContext("key", key)
		}
		return out, nil
	}
}

// KeyFor builds a namespaced key from request parameters. Parameter order
// does not matter; an empty parameter set yields the bare namespace.
func KeyFor(namespace string, params map[string]interface{}) string {
	if len(params) == 0 {
		return namespace
	}
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte(fmt.Sprint(params))
	}
	return fmt.Sprintf("%s:%016x", namespace, xxhash.Sum64(raw))
}
