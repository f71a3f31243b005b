package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncOperationEncodesTypeAndData(t *testing.T) {
	stock := 8
	op := NewOp(ProductUpdate{ID: 7, Updates: ProductPatch{Stock: &stock}})

	raw, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"update-product","data":{"id":7,"updates":{"stock":8}}}`, string(raw))
}

func TestSyncOperationDecodesTypedPayload(t *testing.T) {
	raw := `[
		{"type":"new-transaction","data":{"id":"TXN1","timestamp":"2026-01-02T10:00:00Z","items":[],"subtotal":200,"tax":0,"total":200,"paymentMethod":"cash","cashier":"Ann","status":"completed"}},
		{"type":"delete-product","data":{"id":3}},
		{"type":"transaction","data":{"id":"TXN2","timestamp":"2026-01-02T10:00:00Z","total":"15.50","paymentMethod":"mpesa","status":"completed"}}
	]`

	var ops []SyncOperation
	require.NoError(t, json.Unmarshal([]byte(raw), &ops))
	require.Len(t, ops, 3)

	sale, ok := ops[0].Data.(NewTransaction)
	require.True(t, ok, "expected NewTransaction, got %T", ops[0].Data)
	assert.Equal(t, "TXN1", sale.ID)
	assert.True(t, sale.Total.Equal(decimal.NewFromInt(200)))

	del, ok := ops[1].Data.(DeleteProduct)
	require.True(t, ok)
	assert.Equal(t, int64(3), del.ID)

	assert.Equal(t, OpNewTransaction, ops[2].Type)
	legacy := ops[2].Data.(NewTransaction)
	assert.Equal(t, "15.5", legacy.Total.String())
}

func TestSyncOperationRejectsUnknownType(t *testing.T) {
	var op SyncOperation
	err := json.Unmarshal([]byte(`{"type":"upload-image","data":{}}`), &op)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownOperation))

	err = json.Unmarshal([]byte(`{"type":"add-product"}`), &op)
	require.Error(t, err)
}

func TestSyncOperationRoundTripKeepsOrderOfBatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	batch := []SyncOperation{
		NewOp(AddCreditCustomer{ID: "CUST1", Name: "Jane", CreatedAt: now, LastUpdated: now}),
		NewOp(CustomerUpdate{ID: "CUST1", Updates: CustomerPatch{Phone: ptr("0700")}}),
		NewOp(DeleteCreditCustomer{ID: "CUST1"}),
	}

	raw, err := json.Marshal(batch)
	require.NoError(t, err)

	var decoded []SyncOperation
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 3)
	assert.Equal(t, OpAddCreditCustomer, decoded[0].Type)
	assert.Equal(t, OpUpdateCreditCustomer, decoded[1].Type)
	assert.Equal(t, OpDeleteCreditCustomer, decoded[2].Type)
}

func TestCustomerPatchRederivesBalance(t *testing.T) {
	customer := CreditCustomer{ID: "C", TotalCredit: decimal.NewFromInt(500), Balance: decimal.NewFromInt(500)}
	paid := decimal.NewFromInt(650)

	got := CustomerPatch{PaidAmount: &paid}.Apply(customer)
	assert.True(t, got.Balance.IsZero(), "balance must clamp at zero, got %s", got.Balance)
}

func TestProductPatchClampsStock(t *testing.T) {
	negative := -4
	got := ProductPatch{Stock: &negative}.Apply(Product{ID: 1})
	require.NotNil(t, got.Stock)
	assert.Equal(t, 0, *got.Stock)
}

func TestDailySummaryAddSplitsByMethod(t *testing.T) {
	var summary DailySummary
	summary.Add(Transaction{Total: decimal.NewFromInt(100), PaymentMethod: PaymentCash})
	summary.Add(Transaction{Total: decimal.NewFromInt(40), PaymentMethod: PaymentMobileMoney})
	summary.Add(Transaction{Total: decimal.NewFromInt(60), PaymentMethod: PaymentCredit})

	assert.Equal(t, "200", summary.TotalSales.String())
	assert.Equal(t, "100", summary.CashTotal.String())
	assert.Equal(t, "40", summary.MobileMoneyTotal.String())
	assert.Equal(t, "60", summary.CreditTotal.String())
	assert.Equal(t, 3, summary.TransactionCount)
}

func ptr[T any](v T) *T {
	return &v
}
