package gitlab

import (
	"context"
	"fmt"
	"iter"
	"net/url"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Paginate enumerates a GitLab list endpoint page by page, following the
// rel="next" Link header until a response carries none. Page N+1 is only
// requested once page N has been consumed. A failed page yields its error and
// ends the sequence. The sequence is single-use.
func Paginate[T any](ctx context.Context, c *Client, path string, query url.Values) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		next := c.endpoint(path, query)
		for next != "" {
			p, err := c.get(ctx, next)
			if err != nil {
				yield(nil, err)
				return
			}
			var items []T
			if err := json.Unmarshal(p.body, &items); err != nil {
				yield(nil, fmt.Errorf("decode %s: %w", redact(next), err))
				return
			}
			if !yield(items, nil) {
				return
			}
			next = p.next
		}
	}
}

// CollectAll drains a paginated sequence. On error it returns the items
// gathered before the failing page together with the error.
func CollectAll[T any](seq iter.Seq2[[]T, error]) ([]T, error) {
	var all []T
	for batch, err := range seq {
		if err != nil {
			return all, err
		}
		all = append(all, batch...)
	}
	return all, nil
}

func listQuery(extra url.Values) url.Values {
	q := url.Values{}
	q.Set("per_page", defaultPerPage)
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return q
}
