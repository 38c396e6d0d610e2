// Package diskv implements a storage backend backed by an on-disk key-value store.
package diskv

import (
	"path/filepath"

	"github.com/workflowzen/wfzen/storage/kv"

	nanokv "github.com/micromdm/nanolib/storage/kv"
	"github.com/micromdm/nanolib/storage/kv/kvdiskv"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a storage backend backed by an on-disk key-value store.
// Each store lives in its own directory under path.
type Diskv struct {
	*kv.KV
}

// New creates a new initialized data store at path.
func New(path string) *Diskv {
	return &Diskv{
		KV: kv.New(func(name string) nanokv.Bucket {
			return kvdiskv.New(diskv.New(diskv.Options{
				BasePath:     filepath.Join(path, name),
				Transform:    kvdiskv.FlatTransform,
				CacheSizeMax: 1024 * 1024,
			}))
		}),
	}
}
