package syncer

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/store/mongo"
	"kasirinaja/ledger/internal/store/postgres"
)

// Dialer opens a document store for a connection string.
type Dialer func(ctx context.Context, uri string) (store.DocumentStore, error)

// DialByScheme picks the driver from the URI scheme.
func DialByScheme(ctx context.Context, uri string) (store.DocumentStore, error) {
	parsed, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "mongodb", "mongodb+srv":
		return mongo.New(ctx, uri)
	case "postgres", "postgresql":
		return postgres.New(ctx, uri)
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrUnsupportedScheme, parsed.Scheme)
	}
}
