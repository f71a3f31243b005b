package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Amounts travel as bare JSON numbers, both on disk and to the back office.
	decimal.MarshalJSONWithoutQuotes = true
}

type PaymentMethod string

const (
	PaymentCash        PaymentMethod = "cash"
	PaymentMobileMoney PaymentMethod = "mpesa"
	PaymentCredit      PaymentMethod = "credit"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentMobileMoney, PaymentCredit:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusPending   TransactionStatus = "pending"
	TxStatusRefunded  TransactionStatus = "refunded"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCashier = "cashier"
	// RoleDevice is carried by callers presenting the shared secret instead of a session.
	RoleDevice = "device"
)

type SalaryType string

const (
	SalaryAdvance SalaryType = "advance"
	SalaryFull    SalaryType = "full"
)

type Product struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Category   string          `json:"category"`
	Image      string          `json:"image,omitempty"`
	LocalImage string          `json:"localImage,omitempty"`
	Available  *bool           `json:"available,omitempty"`
	Stock      *int            `json:"stock,omitempty"`
	MinStock   *int            `json:"minStock,omitempty"`
	CreatedAt  *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt  *time.Time      `json:"updatedAt,omitempty"`
}

// IsAvailable treats a missing flag as available.
func (p Product) IsAvailable() bool {
	return p.Available == nil || *p.Available
}

// Tracked reports whether the product keeps a stock count.
func (p Product) Tracked() bool {
	return p.Stock != nil
}

func (p Product) Key() string {
	return strconv.FormatInt(p.ID, 10)
}

func (p Product) Stamp() time.Time {
	return firstStamp(p.UpdatedAt, p.CreatedAt)
}

// WithStock returns a copy holding a fresh stock pointer, so copies never share a count.
func (p Product) WithStock(stock int, at time.Time) Product {
	if stock < 0 {
		stock = 0
	}
	p.Stock = &stock
	p.UpdatedAt = &at
	return p
}

type CartItem struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
}

func (c CartItem) LineTotal() decimal.Decimal {
	return c.Product.Price.Mul(decimal.NewFromInt(int64(c.Quantity)))
}

type Transaction struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	Items          []CartItem        `json:"items"`
	Subtotal       decimal.Decimal   `json:"subtotal"`
	Tax            decimal.Decimal   `json:"tax"`
	Total          decimal.Decimal   `json:"total"`
	PaymentMethod  PaymentMethod     `json:"paymentMethod"`
	Cashier        string            `json:"cashier"`
	CreditCustomer string            `json:"creditCustomer,omitempty"`
	Status         TransactionStatus `json:"status"`
}

func (t Transaction) Key() string {
	return t.ID
}

func (t Transaction) Stamp() time.Time {
	return t.Timestamp
}

type CreditCustomer struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Phone        string          `json:"phone"`
	TotalCredit  decimal.Decimal `json:"totalCredit"`
	PaidAmount   decimal.Decimal `json:"paidAmount"`
	Balance      decimal.Decimal `json:"balance"`
	Transactions []string        `json:"transactions"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastUpdated  time.Time       `json:"lastUpdated"`
}

// Rebalance recomputes balance as totalCredit - paidAmount, never below zero.
func (c *CreditCustomer) Rebalance() {
	balance := c.TotalCredit.Sub(c.PaidAmount)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	c.Balance = balance
}

func (c CreditCustomer) Owns(transactionID string) bool {
	for _, id := range c.Transactions {
		if id == transactionID {
			return true
		}
	}
	return false
}

func (c CreditCustomer) Key() string {
	return c.ID
}

func (c CreditCustomer) Stamp() time.Time {
	return firstStamp(&c.LastUpdated, &c.CreatedAt)
}

// SameName matches customer names the way the till does: trimmed, case-insensitive.
func SameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

type CreditPayment struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customerId"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"date"`
	CashierID     string          `json:"cashierId,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
}

type User struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	PIN       string     `json:"pin"`
	Role      string     `json:"role"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

func (u User) Key() string {
	return u.ID
}

func (u User) Stamp() time.Time {
	return firstStamp(u.UpdatedAt, &u.CreatedAt)
}

type Expense struct {
	ID           string          `json:"id"`
	Description  string          `json:"description"`
	Amount       decimal.Decimal `json:"amount"`
	Category     string          `json:"category"`
	Timestamp    time.Time       `json:"timestamp"`
	Cashier      string          `json:"cashier"`
	Receipt      string          `json:"receipt,omitempty"`
	SupplierID   string          `json:"supplierId,omitempty"`
	SupplierName string          `json:"supplierName,omitempty"`
	UpdatedAt    *time.Time      `json:"updatedAt,omitempty"`
}

func (e Expense) Key() string {
	return e.ID
}

func (e Expense) Stamp() time.Time {
	return firstStamp(e.UpdatedAt, &e.Timestamp)
}

type Salary struct {
	ID           string          `json:"id"`
	EmployeeName string          `json:"employeeName"`
	Amount       decimal.Decimal `json:"amount"`
	Date         time.Time       `json:"date"`
	Type         SalaryType      `json:"type"`
	Notes        string          `json:"notes,omitempty"`
	RecordedBy   string          `json:"recordedBy,omitempty"`
	UpdatedAt    *time.Time      `json:"updatedAt,omitempty"`
}

func (s Salary) Key() string {
	return s.ID
}

func (s Salary) Stamp() time.Time {
	return firstStamp(s.UpdatedAt, &s.Date)
}

type InventoryLog struct {
	ID          string    `json:"id"`
	ProductID   int64     `json:"productId"`
	ProductName string    `json:"productName"`
	OldStock    int       `json:"oldStock"`
	NewStock    int       `json:"newStock"`
	Variance    int       `json:"variance"`
	Reason      string    `json:"reason,omitempty"`
	RecordedBy  string    `json:"recordedBy"`
	Timestamp   time.Time `json:"timestamp"`
}

type DailySummary struct {
	Date             string          `json:"date"`
	TotalSales       decimal.Decimal `json:"totalSales"`
	CashTotal        decimal.Decimal `json:"cashTotal"`
	MobileMoneyTotal decimal.Decimal `json:"mpesaTotal"`
	CreditTotal      decimal.Decimal `json:"creditTotal"`
	ExpenseTotal     decimal.Decimal `json:"expenseTotal"`
	TransactionCount int             `json:"transactionCount"`
}

// Add folds one sale into the summary.
func (d *DailySummary) Add(tx Transaction) {
	d.TotalSales = d.TotalSales.Add(tx.Total)
	switch tx.PaymentMethod {
	case PaymentCash:
		d.CashTotal = d.CashTotal.Add(tx.Total)
	case PaymentMobileMoney:
		d.MobileMoneyTotal = d.MobileMoneyTotal.Add(tx.Total)
	case PaymentCredit:
		d.CreditTotal = d.CreditTotal.Add(tx.Total)
	}
	d.TransactionCount++
}

type BusinessConfig struct {
	IsSetup          bool            `json:"isSetup"`
	BusinessName     string          `json:"businessName,omitempty"`
	Address          string          `json:"address,omitempty"`
	Phone            string          `json:"phone,omitempty"`
	Email            string          `json:"email,omitempty"`
	TaxRate          decimal.Decimal `json:"taxRate"`
	ReceiptHeader    string          `json:"receiptHeader,omitempty"`
	ReceiptFooter    string          `json:"receiptFooter,omitempty"`
	APIURL           string          `json:"apiUrl,omitempty"`
	APIKey           string          `json:"apiKey,omitempty"`
	BackOfficeURL    string          `json:"backOfficeUrl,omitempty"`
	BackOfficeAPIKey string          `json:"backOfficeApiKey,omitempty"`
	MongoDBURI       string          `json:"mongoDbUri,omitempty"`
	Features         map[string]bool `json:"features,omitempty"`
	CreatedAt        *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt        *time.Time      `json:"updatedAt,omitempty"`
}

func (b BusinessConfig) Key() string {
	return "business-setup"
}

func (b BusinessConfig) Stamp() time.Time {
	return firstStamp(b.UpdatedAt, b.CreatedAt)
}

// ServerConfig is local to one installation and never synced.
type ServerConfig struct {
	APIKey           string `json:"apiKey"`
	DeveloperPINHash string `json:"developerPinHash,omitempty"`
}

// MobileReceipt is a sale forwarded by a companion device and waiting for the printer.
type MobileReceipt struct {
	Transaction
	PrintID    string    `json:"_printId"`
	ReceivedAt time.Time `json:"_receivedAt"`
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

type LoginRequest struct {
	UserID string `json:"userId"`
	PIN    string `json:"pin"`
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	Role        string `json:"role"`
	Name        string `json:"name"`
	ExpiresAt   string `json:"expiresAt"`
}

type Device struct {
	Name     string    `json:"name"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"lastSeen"`
}

func firstStamp(candidates ...*time.Time) time.Time {
	for _, ts := range candidates {
		if ts != nil && !ts.IsZero() {
			return *ts
		}
	}
	return time.Unix(0, 0).UTC()
}
