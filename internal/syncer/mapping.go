package syncer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
)

// remoteCollection describes how one local collection is laid out in the
// remote document database.
type remoteCollection struct {
	name  string
	key   string
	dates []string
}

var (
	remoteProducts     = remoteCollection{name: "products", key: "productId", dates: []string{"createdAt", "updatedAt"}}
	remoteUsers        = remoteCollection{name: "users", key: "userId", dates: []string{"createdAt", "updatedAt"}}
	remoteExpenses     = remoteCollection{name: "expenses", key: "expenseId", dates: []string{"timestamp", "date", "updatedAt"}}
	remoteSalaries     = remoteCollection{name: "salaries", key: "salaryId", dates: []string{"date", "updatedAt"}}
	remoteTransactions = remoteCollection{name: "transactions", key: "transactionId", dates: []string{"timestamp"}}
	remoteCustomers    = remoteCollection{name: "customers", key: "customerId", dates: []string{"createdAt", "lastUpdated"}}
)

const (
	remoteBusinessSettings = "businesssettings"
	remoteListLimit        = 100
)

// documents converts records to remote documents: the local id moves to the
// collection key, money becomes plain numbers and date strings become times.
func documents[T any](c remoteCollection, records []T, reshape func(store.Document)) ([]store.Document, error) {
	docs := make([]store.Document, 0, len(records))
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", c.name, err)
		}
		var doc store.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("encode %s: %w", c.name, err)
		}

		doc[c.key] = doc["id"]
		delete(doc, "id")
		if reshape != nil {
			reshape(doc)
		}
		for _, field := range c.dates {
			if s, ok := doc[field].(string); ok {
				if at, err := time.Parse(time.RFC3339Nano, s); err == nil {
					doc[field] = at.UTC()
				}
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// records reverses documents. Documents that no longer decode are skipped.
func records[T any](c remoteCollection, docs []store.Document, reshape func(store.Document)) []T {
	out := make([]T, 0, len(docs))
	for _, remote := range docs {
		doc := make(store.Document, len(remote))
		for field, value := range remote {
			doc[field] = plain(value)
		}
		delete(doc, "_id")
		if key, ok := doc[c.key]; ok {
			doc["id"] = key
			delete(doc, c.key)
		}
		if reshape != nil {
			reshape(doc)
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			continue
		}
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// plain turns driver values back into what the local JSON expects.
func plain(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case store.Document:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = plain(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = plain(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = plain(item)
		}
		return out
	default:
		return v
	}
}

func expenseToRemote(doc store.Document) {
	if _, ok := doc["recordedBy"]; !ok {
		if cashier, ok := doc["cashier"]; ok {
			doc["recordedBy"] = cashier
		}
	}
	if _, ok := doc["date"]; !ok {
		doc["date"] = doc["timestamp"]
	}
}

func expenseFromRemote(doc store.Document) {
	if _, ok := doc["timestamp"]; !ok {
		doc["timestamp"] = doc["date"]
	}
	if _, ok := doc["cashier"]; !ok {
		doc["cashier"] = doc["recordedBy"]
	}
	delete(doc, "date")
	delete(doc, "recordedBy")
}

// transactionToRemote adds totalAmount and flattens each line to the product
// reference the back office reports on.
func transactionToRemote(doc store.Document) {
	doc["totalAmount"] = doc["total"]
	items, _ := doc["items"].([]any)
	flat := make([]any, 0, len(items))
	for _, item := range items {
		line, ok := item.(map[string]any)
		if !ok {
			continue
		}
		product, _ := line["product"].(map[string]any)
		flat = append(flat, map[string]any{
			"productId": fmt.Sprint(product["id"]),
			"name":      product["name"],
			"quantity":  line["quantity"],
			"price":     product["price"],
		})
	}
	doc["items"] = flat
}

// productFromRemote accepts numeric ids sent as strings. Anything else is
// dropped so the product gets an id derived from its name.
func productFromRemote(doc store.Document) {
	switch id := doc["id"].(type) {
	case string:
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			doc["id"] = n
		} else {
			delete(doc, "id")
		}
	case float64, int64, int:
	default:
		delete(doc, "id")
	}
}

func businessFromRemote(doc store.Document) (*domain.BusinessConfig, error) {
	clean := make(map[string]any, len(doc))
	for field, value := range doc {
		if field != "_id" {
			clean[field] = plain(value)
		}
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return nil, err
	}
	var cfg domain.BusinessConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode business settings: %w", err)
	}
	return &cfg, nil
}
