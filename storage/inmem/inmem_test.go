package inmem

import (
	"testing"

	"github.com/workflowzen/wfzen/storage"
	"github.com/workflowzen/wfzen/storage/test"
)

func TestInMem(t *testing.T) {
	test.TestStorage(t, func() storage.Storage { return New() })
}
