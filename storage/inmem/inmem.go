// Package inmem implements an in-memory storage backend.
package inmem

import (
	"github.com/workflowzen/wfzen/storage/kv"

	nanokv "github.com/micromdm/nanolib/storage/kv"
	"github.com/micromdm/nanolib/storage/kv/kvmap"
)

// InMem is a storage backend using in-memory key-value stores.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(func(string) nanokv.Bucket { return kvmap.New() })}
}
