package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrUnsupportedScheme  = errors.New("unsupported connection string scheme")
)

// Collection names one locally persisted document.
type Collection string

const (
	Products        Collection = "products"
	Users           Collection = "users"
	Transactions    Collection = "transactions"
	CreditCustomers Collection = "credit-customers"
	CreditPayments  Collection = "credit-payments"
	Expenses        Collection = "expenses"
	Salaries        Collection = "salaries"
	InventoryLogs   Collection = "inventory-logs"
	DailySummaries  Collection = "daily-summaries"
	BusinessSetup   Collection = "business-setup"
	ServerConfig    Collection = "server-config"
	MobileReceipts  Collection = "mobile-receipts"
)

func Collections() []Collection {
	return []Collection{
		BusinessSetup,
		ServerConfig,
		Users,
		Products,
		Transactions,
		Expenses,
		Salaries,
		CreditCustomers,
		MobileReceipts,
		CreditPayments,
		InventoryLogs,
		DailySummaries,
	}
}

func (c Collection) FileName() string {
	return string(c) + ".json"
}

// Default is the JSON a collection holds before anything was written to it.
func (c Collection) Default() []byte {
	switch c {
	case BusinessSetup:
		return []byte(`{"isSetup": false}`)
	case ServerConfig:
		return []byte(`{"apiKey": null}`)
	case DailySummaries:
		return []byte(`{}`)
	default:
		return []byte(`[]`)
	}
}

type Write struct {
	Collection Collection
	Value      any
}

// RecordStore persists whole collections. Read never reports a missing or
// unreadable collection; dest receives the collection's default instead.
type RecordStore interface {
	Read(ctx context.Context, collection Collection, dest any) error
	Commit(ctx context.Context, writes ...Write) error
}

// Document is one record in a remote document database.
type Document map[string]any

type FindOptions struct {
	// SortBy orders results by this field, newest/largest first.
	SortBy string
	Limit  int64
}

// DocumentStore is a remote authority reachable through a database driver.
type DocumentStore interface {
	// UpsertMany sets every field of each document on the record whose key field matches,
	// creating the record when none does.
	UpsertMany(ctx context.Context, collection string, key string, docs []Document) error
	Find(ctx context.Context, collection string, opts FindOptions) ([]Document, error)
	FindOne(ctx context.Context, collection string) (Document, error)
	Close(ctx context.Context) error
}
