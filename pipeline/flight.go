package pipeline

import (
	"context"

	"golang.org/x/sync/singleflight"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/store"
)

// fillResult is the outcome of one resize flight.
type fillResult struct {
	Entry *store.Entry
	// Found is set when the artifact was already stored when the flight
	// re-checked the cache.
	Found bool
}

type fillFunc func(ctx context.Context) (*fillResult, error)

// flights collapses concurrent resizes of the same key into one. It uses
// DoChan so each caller can give up on its own context without cancelling
// the resize for everyone else waiting on it.
type flights struct {
	group singleflight.Group
}

// do runs fn once per key at a time. leader reports whether this caller ran
// fn, shared whether the result went to more than one caller. fn receives a
// context detached from ctx's cancellation.
//
// If ctx is done before the flight completes, do returns ctx.Err() and the
// flight carries on. A failed flight is removed from the group when it
// returns so the next caller starts a new one.
func (f *flights) do(ctx context.Context, key imagecache.Key, fn fillFunc) (res *fillResult, leader, shared bool, err error) {
	ran := false
	ch := f.group.DoChan(key.String(), func() (any, error) {
		ran = true
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, ran, r.Shared, r.Err
		}
		return r.Val.(*fillResult), ran, r.Shared, nil
	case <-ctx.Done():
		return nil, false, false, ctx.Err()
	}
}
