package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "jobs/job-1.json", "application/json", bytes.NewBufferString(`{"id":"job-1"}`))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://jobs/job-1.json" {
		t.Fatalf("unexpected uri %s", uri)
	}

	data, contentType, ok := store.Object("jobs/job-1.json")
	if !ok {
		t.Fatal("expected object to be stored")
	}
	if contentType != "application/json" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	data[0] = 'X'
	again, _, _ := store.Object("jobs/job-1.json")
	if string(again) != `{"id":"job-1"}` {
		t.Fatalf("expected stored copy to be immutable, got %q", again)
	}
}

func TestBlobStoreMissingObject(t *testing.T) {
	t.Parallel()

	if _, _, ok := NewBlobStore().Object("nope"); ok {
		t.Fatal("expected missing object")
	}
}
