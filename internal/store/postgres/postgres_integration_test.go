package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"kasirinaja/ledger/internal/store"
)

func TestUpsertManyIsIdempotent(t *testing.T) {
	databaseURL := os.Getenv("POS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close(ctx)
	})

	collection := fmt.Sprintf("products-it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sync_documents WHERE collection = $1`, collection)
	})

	docs := []store.Document{
		{"productId": 7, "name": "Soda", "price": 100.0, "stock": 8},
		{"productId": 8, "name": "Bread", "price": 60.0},
	}
	for i := 0; i < 2; i++ {
		if err := s.UpsertMany(ctx, collection, "productId", docs); err != nil {
			t.Fatalf("upsert pass %d: %v", i+1, err)
		}
	}

	got, err := s.Find(ctx, collection, store.FindOptions{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 documents after repeated upsert, got %d", len(got))
	}

	if err := s.UpsertMany(ctx, collection, "productId", []store.Document{{"productId": 7, "stock": 5}}); err != nil {
		t.Fatalf("partial upsert: %v", err)
	}
	one, err := s.Find(ctx, collection, store.FindOptions{SortBy: "name", Limit: 1})
	if err != nil {
		t.Fatalf("find sorted: %v", err)
	}
	if len(one) != 1 || one[0]["name"] != "Soda" {
		t.Fatalf("expected Soda first in descending name order, got %v", one)
	}
	if one[0]["stock"] != 5.0 {
		t.Fatalf("expected merged stock 5, got %v", one[0]["stock"])
	}
}
