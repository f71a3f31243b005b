package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrUnknownOperation = errors.New("unknown sync operation")

type OpType string

const (
	OpNewTransaction       OpType = "new-transaction"
	OpDeleteTransaction    OpType = "delete-transaction"
	OpAddProduct           OpType = "add-product"
	OpUpdateProduct        OpType = "update-product"
	OpDeleteProduct        OpType = "delete-product"
	OpAddCreditCustomer    OpType = "add-credit-customer"
	OpUpdateCreditCustomer OpType = "update-credit-customer"
	OpDeleteCreditCustomer OpType = "delete-credit-customer"
	OpAddCreditPayment     OpType = "add-credit-payment"
	OpUpdateCreditPayment  OpType = "update-credit-payment"
	OpAddExpense           OpType = "add-expense"
	OpUpdateExpense        OpType = "update-expense"
	OpDeleteExpense        OpType = "delete-expense"
	OpAddSalary            OpType = "add-salary"
	OpDeleteSalary         OpType = "delete-salary"
	OpAddUser              OpType = "add-user"
	OpUpdateUser           OpType = "update-user"
	OpDeleteUser           OpType = "delete-user"
	OpAddInventoryLog      OpType = "add-inventory-log"
	OpUpdateBusinessSetup  OpType = "update-business-setup"
)

// opAliases maps legacy type names still sent by older mobile builds.
var opAliases = map[OpType]OpType{
	"transaction": OpNewTransaction,
}

// Payload is implemented only by the payload types in this file.
type Payload interface {
	OpType() OpType
	sealed()
}

// SyncOperation is one pending outbound mutation, encoded as {"type": ..., "data": ...}.
type SyncOperation struct {
	Type OpType
	Data Payload
}

func NewOp(p Payload) SyncOperation {
	return SyncOperation{Type: p.OpType(), Data: p}
}

type wireOperation struct {
	Type OpType          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (op SyncOperation) MarshalJSON() ([]byte, error) {
	if op.Data == nil {
		return nil, fmt.Errorf("%w: %q has no payload", ErrUnknownOperation, op.Type)
	}
	data, err := json.Marshal(op.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireOperation{Type: op.Data.OpType(), Data: data})
}

func (op *SyncOperation) UnmarshalJSON(raw []byte) error {
	var wire wireOperation
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	opType := wire.Type
	if alias, ok := opAliases[opType]; ok {
		opType = alias
	}
	decode, ok := payloadDecoders[opType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, wire.Type)
	}
	data := bytes.TrimSpace(wire.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("operation %q: missing data", wire.Type)
	}
	payload, err := decode(data)
	if err != nil {
		return fmt.Errorf("operation %q: %w", wire.Type, err)
	}
	op.Type = opType
	op.Data = payload
	return nil
}

func decodePayload[T Payload](raw json.RawMessage) (Payload, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

var payloadDecoders = map[OpType]func(json.RawMessage) (Payload, error){
	OpNewTransaction:       decodePayload[NewTransaction],
	OpDeleteTransaction:    decodePayload[DeleteTransaction],
	OpAddProduct:           decodePayload[AddProduct],
	OpUpdateProduct:        decodePayload[ProductUpdate],
	OpDeleteProduct:        decodePayload[DeleteProduct],
	OpAddCreditCustomer:    decodePayload[AddCreditCustomer],
	OpUpdateCreditCustomer: decodePayload[CustomerUpdate],
	OpDeleteCreditCustomer: decodePayload[DeleteCreditCustomer],
	OpAddCreditPayment:     decodePayload[AddCreditPayment],
	OpUpdateCreditPayment:  decodePayload[PaymentUpdate],
	OpAddExpense:           decodePayload[AddExpense],
	OpUpdateExpense:        decodePayload[ExpenseUpdate],
	OpDeleteExpense:        decodePayload[DeleteExpense],
	OpAddSalary:            decodePayload[AddSalary],
	OpDeleteSalary:         decodePayload[DeleteSalary],
	OpAddUser:              decodePayload[AddUser],
	OpUpdateUser:           decodePayload[UserUpdate],
	OpDeleteUser:           decodePayload[DeleteUser],
	OpAddInventoryLog:      decodePayload[AddInventoryLog],
	OpUpdateBusinessSetup:  decodePayload[UpdateBusinessSetup],
}

// Entity payloads share the JSON shape of the record they carry.
type (
	NewTransaction      Transaction
	AddProduct          Product
	AddCreditCustomer   CreditCustomer
	AddCreditPayment    CreditPayment
	AddExpense          Expense
	AddSalary           Salary
	AddUser             User
	AddInventoryLog     InventoryLog
	UpdateBusinessSetup BusinessConfig
)

type DeleteTransaction struct {
	ID string `json:"id"`
}

type DeleteProduct struct {
	ID int64 `json:"id"`
}

type DeleteCreditCustomer struct {
	ID string `json:"id"`
}

type DeleteExpense struct {
	ID string `json:"id"`
}

type DeleteSalary struct {
	ID string `json:"id"`
}

type DeleteUser struct {
	ID string `json:"id"`
}

type ProductUpdate struct {
	ID      int64        `json:"id"`
	Updates ProductPatch `json:"updates"`
}

type ProductPatch struct {
	Name       *string          `json:"name,omitempty"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Category   *string          `json:"category,omitempty"`
	Image      *string          `json:"image,omitempty"`
	LocalImage *string          `json:"localImage,omitempty"`
	Available  *bool            `json:"available,omitempty"`
	Stock      *int             `json:"stock,omitempty"`
	MinStock   *int             `json:"minStock,omitempty"`
	UpdatedAt  *time.Time       `json:"updatedAt,omitempty"`
}

// Apply returns p with every set field of the patch copied over.
func (patch ProductPatch) Apply(p Product) Product {
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Price != nil {
		p.Price = *patch.Price
	}
	if patch.Category != nil {
		p.Category = *patch.Category
	}
	if patch.Image != nil {
		p.Image = *patch.Image
	}
	if patch.LocalImage != nil {
		p.LocalImage = *patch.LocalImage
	}
	if patch.Available != nil {
		available := *patch.Available
		p.Available = &available
	}
	if patch.Stock != nil {
		stock := max(*patch.Stock, 0)
		p.Stock = &stock
	}
	if patch.MinStock != nil {
		minStock := *patch.MinStock
		p.MinStock = &minStock
	}
	if patch.UpdatedAt != nil {
		at := *patch.UpdatedAt
		p.UpdatedAt = &at
	}
	return p
}

type CustomerUpdate struct {
	ID      string        `json:"id"`
	Updates CustomerPatch `json:"updates"`
}

type CustomerPatch struct {
	Name         *string          `json:"name,omitempty"`
	Phone        *string          `json:"phone,omitempty"`
	TotalCredit  *decimal.Decimal `json:"totalCredit,omitempty"`
	PaidAmount   *decimal.Decimal `json:"paidAmount,omitempty"`
	Balance      *decimal.Decimal `json:"balance,omitempty"`
	Transactions *[]string        `json:"transactions,omitempty"`
	LastUpdated  *time.Time       `json:"lastUpdated,omitempty"`
}

// Apply copies the set fields over c. Balance is always re-derived afterwards.
func (patch CustomerPatch) Apply(c CreditCustomer) CreditCustomer {
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Phone != nil {
		c.Phone = *patch.Phone
	}
	if patch.TotalCredit != nil {
		c.TotalCredit = *patch.TotalCredit
	}
	if patch.PaidAmount != nil {
		c.PaidAmount = *patch.PaidAmount
	}
	if patch.Transactions != nil {
		c.Transactions = append([]string{}, (*patch.Transactions)...)
	}
	if patch.LastUpdated != nil {
		c.LastUpdated = *patch.LastUpdated
	}
	c.Rebalance()
	return c
}

type PaymentUpdate struct {
	ID      string       `json:"id"`
	Updates PaymentPatch `json:"updates"`
}

// PaymentPatch moves a payment between sales; an empty TransactionID leaves
// it on the account as a general payment.
type PaymentPatch struct {
	TransactionID *string `json:"transactionId,omitempty"`
}

func (patch PaymentPatch) Apply(p CreditPayment) CreditPayment {
	if patch.TransactionID != nil {
		p.TransactionID = *patch.TransactionID
	}
	return p
}

type ExpenseUpdate struct {
	ID      string       `json:"id"`
	Updates ExpensePatch `json:"updates"`
}

type ExpensePatch struct {
	Description *string          `json:"description,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Category    *string          `json:"category,omitempty"`
	Receipt     *string          `json:"receipt,omitempty"`
	UpdatedAt   *time.Time       `json:"updatedAt,omitempty"`
}

func (patch ExpensePatch) Apply(e Expense) Expense {
	if patch.Description != nil {
		e.Description = *patch.Description
	}
	if patch.Amount != nil {
		e.Amount = *patch.Amount
	}
	if patch.Category != nil {
		e.Category = *patch.Category
	}
	if patch.Receipt != nil {
		e.Receipt = *patch.Receipt
	}
	if patch.UpdatedAt != nil {
		at := *patch.UpdatedAt
		e.UpdatedAt = &at
	}
	return e
}

type UserUpdate struct {
	ID      string    `json:"id"`
	Updates UserPatch `json:"updates"`
}

type UserPatch struct {
	Name      *string    `json:"name,omitempty"`
	PIN       *string    `json:"pin,omitempty"`
	Role      *string    `json:"role,omitempty"`
	Active    *bool      `json:"active,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

func (patch UserPatch) Apply(u User) User {
	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.PIN != nil {
		u.PIN = *patch.PIN
	}
	if patch.Role != nil {
		u.Role = *patch.Role
	}
	if patch.Active != nil {
		u.Active = *patch.Active
	}
	if patch.UpdatedAt != nil {
		at := *patch.UpdatedAt
		u.UpdatedAt = &at
	}
	return u
}

func (NewTransaction) OpType() OpType       { return OpNewTransaction }
func (DeleteTransaction) OpType() OpType    { return OpDeleteTransaction }
func (AddProduct) OpType() OpType           { return OpAddProduct }
func (ProductUpdate) OpType() OpType        { return OpUpdateProduct }
func (DeleteProduct) OpType() OpType        { return OpDeleteProduct }
func (AddCreditCustomer) OpType() OpType    { return OpAddCreditCustomer }
func (CustomerUpdate) OpType() OpType       { return OpUpdateCreditCustomer }
func (DeleteCreditCustomer) OpType() OpType { return OpDeleteCreditCustomer }
func (AddCreditPayment) OpType() OpType     { return OpAddCreditPayment }
func (PaymentUpdate) OpType() OpType        { return OpUpdateCreditPayment }
func (AddExpense) OpType() OpType           { return OpAddExpense }
func (ExpenseUpdate) OpType() OpType        { return OpUpdateExpense }
func (DeleteExpense) OpType() OpType        { return OpDeleteExpense }
func (AddSalary) OpType() OpType            { return OpAddSalary }
func (DeleteSalary) OpType() OpType         { return OpDeleteSalary }
func (AddUser) OpType() OpType              { return OpAddUser }
func (UserUpdate) OpType() OpType           { return OpUpdateUser }
func (DeleteUser) OpType() OpType           { return OpDeleteUser }
func (AddInventoryLog) OpType() OpType      { return OpAddInventoryLog }
func (UpdateBusinessSetup) OpType() OpType  { return OpUpdateBusinessSetup }

func (NewTransaction) sealed()       {}
func (DeleteTransaction) sealed()    {}
func (AddProduct) sealed()           {}
func (ProductUpdate) sealed()        {}
func (DeleteProduct) sealed()        {}
func (AddCreditCustomer) sealed()    {}
func (CustomerUpdate) sealed()       {}
func (DeleteCreditCustomer) sealed() {}
func (AddCreditPayment) sealed()     {}
func (PaymentUpdate) sealed()        {}
func (AddExpense) sealed()           {}
func (ExpenseUpdate) sealed()        {}
func (DeleteExpense) sealed()        {}
func (AddSalary) sealed()            {}
func (DeleteSalary) sealed()         {}
func (AddUser) sealed()              {}
func (UserUpdate) sealed()           {}
func (DeleteUser) sealed()           {}
func (AddInventoryLog) sealed()      {}
func (UpdateBusinessSetup) sealed()  {}
