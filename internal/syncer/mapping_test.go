package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
)

func TestProductFromRemoteIDs(t *testing.T) {
	cases := map[string]struct {
		in     any
		want   any
		keepID bool
	}{
		"numeric string": {in: "42", want: int64(42), keepID: true},
		"number":         {in: float64(9), want: float64(9), keepID: true},
		"object id":      {in: "65f0c0ffee", keepID: false},
		"missing":        {in: nil, keepID: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			doc := store.Document{"name": "Kopi"}
			if tc.in != nil {
				doc["id"] = tc.in
			}
			productFromRemote(doc)
			got, ok := doc["id"]
			assert.Equal(t, tc.keepID, ok)
			if tc.keepID {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestExpenseRoundTripThroughRemoteShape(t *testing.T) {
	at := time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC)
	docs, err := documents(remoteExpenses, []domain.Expense{{ID: "EXP1", Description: "Gas", Timestamp: at, Cashier: "Kasir A"}}, expenseToRemote)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Kasir A", docs[0]["recordedBy"])
	assert.Equal(t, at, docs[0]["date"])

	back := records[domain.Expense](remoteExpenses, docs, expenseFromRemote)
	require.Len(t, back, 1)
	assert.Equal(t, "EXP1", back[0].ID)
	assert.Equal(t, "Kasir A", back[0].Cashier)
	assert.True(t, back[0].Timestamp.Equal(at))
}

func TestRemoteOnlyExpenseFieldsFillLocalOnes(t *testing.T) {
	at := time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC)
	docs := []store.Document{{"expenseId": "EXP2", "description": "Es", "amount": float64(12), "date": at, "recordedBy": "Manager"}}

	back := records[domain.Expense](remoteExpenses, docs, expenseFromRemote)
	require.Len(t, back, 1)
	assert.Equal(t, "Manager", back[0].Cashier)
	assert.True(t, back[0].Timestamp.Equal(at))
}

func TestRecordsSkipsUndecodableDocuments(t *testing.T) {
	docs := []store.Document{
		{"userId": "u1", "name": "Kasir A", "pin": "1234", "role": "cashier", "active": true},
		{"userId": "u2", "name": "Broken", "active": "yes"},
	}
	users := records[domain.User](remoteUsers, docs, nil)
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].ID)
}

func TestBusinessFromRemoteDropsObjectID(t *testing.T) {
	cfg, err := businessFromRemote(store.Document{"_id": "abc", "businessName": "HQ", "taxRate": float64(11), "isSetup": true})
	require.NoError(t, err)
	assert.Equal(t, "HQ", cfg.BusinessName)
	assert.True(t, cfg.IsSetup)
	assert.Equal(t, "11", cfg.TaxRate.String())
}
