package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

// TransactionBalance is one credit sale on a customer statement.
type TransactionBalance struct {
	Transaction domain.Transaction `json:"transaction"`
	Paid        decimal.Decimal    `json:"paid"`
	Remaining   decimal.Decimal    `json:"remaining"`
}

type CustomerStatement struct {
	Customer     domain.CreditCustomer  `json:"customer"`
	Transactions []TransactionBalance   `json:"transactions"`
	Payments     []domain.CreditPayment `json:"payments"`
}

// ApplyPayment records money received from a credit customer. When
// transactionID is set the payment is earmarked against that sale, which must
// belong to the customer.
func (s *Service) ApplyPayment(ctx context.Context, customerID string, amount decimal.Decimal, transactionID string) (domain.CreditPayment, error) {
	if !amount.IsPositive() {
		return domain.CreditPayment{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.customers, func(c domain.CreditCustomer) bool { return c.ID == customerID })
	if idx < 0 {
		return domain.CreditPayment{}, fmt.Errorf("customer %s: %w", customerID, store.ErrNotFound)
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID != "" && !s.customers[idx].Owns(transactionID) {
		return domain.CreditPayment{}, fmt.Errorf("transaction %s on customer %s: %w", transactionID, customerID, store.ErrNotFound)
	}

	now := s.stamp()
	payment := domain.CreditPayment{
		ID:            xid.NewAt("CP", now),
		CustomerID:    customerID,
		Amount:        amount,
		Date:          now,
		TransactionID: transactionID,
	}
	if actor, ok := ActorFromContext(ctx); ok {
		payment.CashierID = actor.UserID
	} else if s.cashier != nil {
		payment.CashierID = s.cashier.ID
	}

	customers := slices.Clone(s.customers)
	customer := customers[idx]
	customer.PaidAmount = customer.PaidAmount.Add(amount)
	customer.LastUpdated = now
	customer.Rebalance()
	customers[idx] = customer

	payments := append(slices.Clone(s.payments), payment)

	ops := []domain.SyncOperation{
		domain.NewOp(domain.AddCreditPayment(payment)),
		domain.NewOp(domain.CustomerUpdate{
			ID: customer.ID,
			Updates: domain.CustomerPatch{
				PaidAmount:  &customer.PaidAmount,
				Balance:     &customer.Balance,
				LastUpdated: &now,
			},
		}),
	}
	writes := []store.Write{
		{Collection: store.CreditPayments, Value: payments},
		{Collection: store.CreditCustomers, Value: customers},
	}

	err := s.commit(ctx, writes, ops, func() {
		s.payments = payments
		s.customers = customers
	})
	if err != nil {
		return domain.CreditPayment{}, err
	}

	s.logger.Info("credit payment applied",
		zap.String("customer", customer.ID),
		zap.String("amount", amount.String()),
		zap.String("balance", customer.Balance.String()),
	)
	return payment, nil
}

// Remaining is what is still owed on one sale, derived from the payments
// earmarked against it. Unknown transactions owe nothing.
func (s *Service) Remaining(transactionID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.transactions, func(t domain.Transaction) bool { return t.ID == transactionID })
	if idx < 0 {
		return decimal.Zero
	}
	_, remaining := s.settlementLocked(s.transactions[idx])
	return remaining
}

func (s *Service) settlementLocked(tx domain.Transaction) (paid, remaining decimal.Decimal) {
	paid = decimal.Zero
	for _, p := range s.payments {
		if p.TransactionID == tx.ID {
			paid = paid.Add(p.Amount)
		}
	}
	remaining = tx.Total.Sub(paid)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return paid, remaining
}

func (s *Service) ListPayments(customerID string) []domain.CreditPayment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.CreditPayment
	for _, p := range s.payments {
		if p.CustomerID == customerID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) CustomerStatement(customerID string) (CustomerStatement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.customers, func(c domain.CreditCustomer) bool { return c.ID == customerID })
	if idx < 0 {
		return CustomerStatement{}, store.ErrNotFound
	}
	customer := s.customers[idx]

	statement := CustomerStatement{
		Customer:     customer,
		Transactions: []TransactionBalance{},
		Payments:     []domain.CreditPayment{},
	}
	for _, tx := range s.transactions {
		if !customer.Owns(tx.ID) {
			continue
		}
		paid, remaining := s.settlementLocked(tx)
		statement.Transactions = append(statement.Transactions, TransactionBalance{Transaction: tx, Paid: paid, Remaining: remaining})
	}
	for _, p := range s.payments {
		if p.CustomerID == customerID {
			statement.Payments = append(statement.Payments, p)
		}
	}
	return statement, nil
}

func (s *Service) CreditCustomers() []domain.CreditCustomer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.customers)
}

// AddCreditCustomer opens an account with no credit. Names are unique ignoring case.
func (s *Service) AddCreditCustomer(ctx context.Context, name, phone string) (domain.CreditCustomer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.CreditCustomer{}, ErrCustomerRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.ContainsFunc(s.customers, func(c domain.CreditCustomer) bool { return domain.SameName(c.Name, name) }) {
		return domain.CreditCustomer{}, fmt.Errorf("customer %q: %w", name, ErrDuplicateID)
	}

	now := s.stamp()
	customer := domain.CreditCustomer{
		ID:           xid.NewAt("CUST", now),
		Name:         name,
		Phone:        strings.TrimSpace(phone),
		TotalCredit:  decimal.Zero,
		PaidAmount:   decimal.Zero,
		Balance:      decimal.Zero,
		Transactions: []string{},
		CreatedAt:    now,
		LastUpdated:  now,
	}
	customers := append(slices.Clone(s.customers), customer)

	err := s.commit(ctx,
		[]store.Write{{Collection: store.CreditCustomers, Value: customers}},
		[]domain.SyncOperation{domain.NewOp(domain.AddCreditCustomer(customer))},
		func() { s.customers = customers },
	)
	if err != nil {
		return domain.CreditCustomer{}, err
	}
	return customer, nil
}

// UpdateCreditCustomer applies patch; the balance is re-derived whatever the patch says.
func (s *Service) UpdateCreditCustomer(ctx context.Context, id string, patch domain.CustomerPatch) (domain.CreditCustomer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.customers, func(c domain.CreditCustomer) bool { return c.ID == id })
	if idx < 0 {
		return domain.CreditCustomer{}, store.ErrNotFound
	}

	now := s.stamp()
	patch.LastUpdated = &now
	customers := slices.Clone(s.customers)
	customer := patch.Apply(customers[idx])
	customers[idx] = customer
	patch.Balance = &customer.Balance

	err := s.commit(ctx,
		[]store.Write{{Collection: store.CreditCustomers, Value: customers}},
		[]domain.SyncOperation{domain.NewOp(domain.CustomerUpdate{ID: id, Updates: patch})},
		func() { s.customers = customers },
	)
	if err != nil {
		return domain.CreditCustomer{}, err
	}
	return customer, nil
}

func (s *Service) DeleteCreditCustomer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.customers, func(c domain.CreditCustomer) bool { return c.ID == id })
	if idx < 0 {
		return store.ErrNotFound
	}
	customers := slices.Delete(slices.Clone(s.customers), idx, idx+1)

	return s.commit(ctx,
		[]store.Write{{Collection: store.CreditCustomers, Value: customers}},
		[]domain.SyncOperation{domain.NewOp(domain.DeleteCreditCustomer{ID: id})},
		func() { s.customers = customers },
	)
}
