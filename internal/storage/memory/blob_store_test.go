package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/taskbroker/internal/broker"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	uri, err := store.PutObject(ctx, "ab/abcd.html", "text/html", bytes.NewBufferString("content"))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://ab/abcd.html" {
		t.Fatalf("unexpected uri %s", uri)
	}

	got, err := store.GetObject(ctx, "ab/abcd.html")
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	got[0] = 'C'
	again, _ := store.GetObject(ctx, "ab/abcd.html")
	if string(again) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", again)
	}

	ok, err := store.Exists(ctx, "ab/abcd.html")
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}
	if _, err := store.GetObject(ctx, "missing"); !errors.Is(err, broker.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
