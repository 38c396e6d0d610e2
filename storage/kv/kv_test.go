package kv

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/workflowzen/wfzen/storage"

	"github.com/micromdm/nanolib/storage/kv"
	"github.com/micromdm/nanolib/storage/kv/kvmap"
	"github.com/micromdm/nanolib/storage/kv/kvtxn"
)

func TestGetAllAndClear(t *testing.T) {
	ctx := context.Background()
	b := kvtxn.New(kvmap.New())

	in := map[string][]byte{"a": []byte("1"), "b": []byte("2"), "c": []byte("3")}
	if err := kv.SetMap(ctx, b, in); err != nil {
		t.Fatal(err)
	}

	all, err := getAll(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(all, in) {
		t.Errorf("getAll: have %v, want %v", all, in)
	}

	if err = clearBucket(ctx, b); err != nil {
		t.Fatal(err)
	}
	if keys := kv.AllKeys(ctx, b); len(keys) != 0 {
		t.Errorf("expected empty bucket, have %v", keys)
	}
	if _, err = b.Get(ctx, "a"); !errors.Is(err, kv.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, have %v", err)
	}
}

func TestStoreRecordsInvalidWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := New(func(string) kv.Bucket { return kvmap.New() })

	records := []*storage.Record{
		{ID: "a", Kind: storage.KindDocument, Payload: []byte(`{}`)},
		{ID: "b", Kind: storage.KindPurchaseOrder, Payload: []byte(`{}`)},
	}
	if err := s.StoreRecords(ctx, storage.KindDocument, records); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, have %v", err)
	}
	if keys := kv.AllKeys(ctx, s.buckets[string(storage.KindDocument)]); len(keys) != 0 {
		t.Errorf("expected no records written, have %v", keys)
	}

	records[1].Kind = storage.KindDocument
	if err := s.StoreRecords(ctx, storage.KindDocument, records); err != nil {
		t.Fatal(err)
	}
	keys := kv.AllKeys(ctx, s.buckets[string(storage.KindDocument)])
	sort.Strings(keys)
	if have, want := keys, []string{"a", "b"}; !reflect.DeepEqual(have, want) {
		t.Errorf("keys: have %v, want %v", have, want)
	}
}
