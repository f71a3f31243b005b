package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

var hundred = decimal.NewFromInt(100)

// CommitSale turns the session cart into a completed transaction. Stock
// decrements and, for credit sales, the customer update are committed in the
// same unit as the transaction itself.
func (s *Service) CommitSale(ctx context.Context, method domain.PaymentMethod, creditCustomerName string) (domain.Transaction, error) {
	tx, cfg, err := s.commitSale(ctx, method, creditCustomerName)
	if err != nil {
		return domain.Transaction{}, err
	}

	s.metrics.ObserveSale(string(method))
	if err := s.printer.PrintReceipt(ctx, tx, cfg, false); err != nil {
		s.logger.Warn("receipt print failed", zap.String("transaction", tx.ID), zap.Error(err))
	}
	return tx, nil
}

func (s *Service) commitSale(ctx context.Context, method domain.PaymentMethod, creditCustomerName string) (domain.Transaction, domain.BusinessConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cashier == nil {
		return domain.Transaction{}, domain.BusinessConfig{}, ErrNoSession
	}
	if !method.Valid() {
		return domain.Transaction{}, domain.BusinessConfig{}, fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, method)
	}
	creditCustomerName = strings.TrimSpace(creditCustomerName)
	if method == domain.PaymentCredit && creditCustomerName == "" {
		return domain.Transaction{}, domain.BusinessConfig{}, ErrCustomerRequired
	}

	now := s.stamp()
	items := s.cartLocked()
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.LineTotal())
	}
	tax := subtotal.Mul(s.business.TaxRate).Div(hundred).Round(2)

	tx := domain.Transaction{
		ID:            xid.NewAt("TXN", now),
		Timestamp:     now,
		Items:         items,
		Subtotal:      subtotal,
		Tax:           tax,
		Total:         subtotal.Add(tax),
		PaymentMethod: method,
		Cashier:       s.cashier.Name,
		Status:        domain.TxStatusCompleted,
	}
	if method == domain.PaymentCredit {
		tx.CreditCustomer = creditCustomerName
	}

	transactions := make([]domain.Transaction, 0, len(s.transactions)+1)
	transactions = append(transactions, tx)
	transactions = append(transactions, s.transactions...)
	ops := []domain.SyncOperation{domain.NewOp(domain.NewTransaction(tx))}

	products := slices.Clone(s.products)
	for _, item := range items {
		idx := indexOf(products, func(p domain.Product) bool { return p.ID == item.Product.ID })
		if idx < 0 || !products[idx].Tracked() {
			continue
		}
		products[idx] = products[idx].WithStock(*products[idx].Stock-item.Quantity, now)
		ops = append(ops, stockUpdateOp(products[idx], now))
	}

	writes := []store.Write{
		{Collection: store.Transactions, Value: transactions},
		{Collection: store.Products, Value: products},
	}

	customers := s.customers
	if method == domain.PaymentCredit {
		var op domain.SyncOperation
		customers, op = creditSaleCustomers(s.customers, creditCustomerName, tx, now)
		ops = append(ops, op)
		writes = append(writes, store.Write{Collection: store.CreditCustomers, Value: customers})
	}

	err := s.commit(ctx, writes, ops, func() {
		s.transactions = transactions
		s.products = products
		s.customers = customers
		s.cart = nil
	})
	if err != nil {
		return domain.Transaction{}, domain.BusinessConfig{}, err
	}

	s.logger.Info("sale committed",
		zap.String("transaction", tx.ID),
		zap.String("method", string(method)),
		zap.String("total", tx.Total.String()),
		zap.Int("lines", len(items)),
	)
	return tx, s.business, nil
}

// creditSaleCustomers charges tx to the customer named name, opening an account when none exists.
func creditSaleCustomers(current []domain.CreditCustomer, name string, tx domain.Transaction, now time.Time) ([]domain.CreditCustomer, domain.SyncOperation) {
	customers := slices.Clone(current)
	idx := indexOf(customers, func(c domain.CreditCustomer) bool { return domain.SameName(c.Name, name) })

	if idx < 0 {
		customer := domain.CreditCustomer{
			ID:           xid.NewAt("CUST", now),
			Name:         name,
			TotalCredit:  tx.Total,
			PaidAmount:   decimal.Zero,
			Transactions: []string{tx.ID},
			CreatedAt:    now,
			LastUpdated:  now,
		}
		customer.Rebalance()
		customers = append(customers, customer)
		return customers, domain.NewOp(domain.AddCreditCustomer(customer))
	}

	customer := customers[idx]
	customer.TotalCredit = customer.TotalCredit.Add(tx.Total)
	customer.Transactions = append(slices.Clone(customer.Transactions), tx.ID)
	customer.LastUpdated = now
	customer.Rebalance()
	customers[idx] = customer

	return customers, domain.NewOp(domain.CustomerUpdate{
		ID: customer.ID,
		Updates: domain.CustomerPatch{
			TotalCredit:  &customer.TotalCredit,
			Balance:      &customer.Balance,
			Transactions: transactionsPatch(customer.Transactions),
			LastUpdated:  &now,
		},
	})
}

// ReverseTransaction refunds a sale by deleting it, putting its stock back and,
// for credit sales, taking it off the customer's account. Unknown ids are ignored.
func (s *Service) ReverseTransaction(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.transactions, func(t domain.Transaction) bool { return t.ID == transactionID })
	if idx < 0 {
		return nil
	}
	tx := s.transactions[idx]
	now := s.stamp()
	recordedBy := s.recorder(ctx)

	transactions := slices.Delete(slices.Clone(s.transactions), idx, idx+1)
	ops := []domain.SyncOperation{domain.NewOp(domain.DeleteTransaction{ID: tx.ID})}

	products := slices.Clone(s.products)
	logs := slices.Clone(s.inventoryLogs)
	for _, item := range tx.Items {
		pi := indexOf(products, func(p domain.Product) bool { return p.ID == item.Product.ID })
		if pi < 0 || !products[pi].Tracked() {
			continue
		}
		old := *products[pi].Stock
		products[pi] = products[pi].WithStock(old+item.Quantity, now)
		ops = append(ops, stockUpdateOp(products[pi], now))
		logs = append(logs, domain.InventoryLog{
			ID:          xid.NewAt("INV", now),
			ProductID:   products[pi].ID,
			ProductName: products[pi].Name,
			OldStock:    old,
			NewStock:    *products[pi].Stock,
			Variance:    *products[pi].Stock - old,
			Reason:      "reversal of " + tx.ID,
			RecordedBy:  recordedBy,
			Timestamp:   now,
		})
	}

	writes := []store.Write{
		{Collection: store.Transactions, Value: transactions},
		{Collection: store.Products, Value: products},
		{Collection: store.InventoryLogs, Value: logs},
	}

	customers := s.customers
	payments := s.payments
	if tx.PaymentMethod == domain.PaymentCredit {
		ci := indexOf(s.customers, func(c domain.CreditCustomer) bool { return c.Owns(tx.ID) })
		if ci < 0 {
			ci = indexOf(s.customers, func(c domain.CreditCustomer) bool { return domain.SameName(c.Name, tx.CreditCustomer) })
		}
		if ci >= 0 {
			customers = slices.Clone(s.customers)
			customer := customers[ci]
			customer.TotalCredit = customer.TotalCredit.Sub(tx.Total)
			if customer.TotalCredit.IsNegative() {
				customer.TotalCredit = decimal.Zero
			}
			customer.Transactions = slices.DeleteFunc(slices.Clone(customer.Transactions), func(id string) bool { return id == tx.ID })
			customer.LastUpdated = now
			customer.Rebalance()
			customers[ci] = customer

			ops = append(ops, domain.NewOp(domain.CustomerUpdate{
				ID: customer.ID,
				Updates: domain.CustomerPatch{
					TotalCredit:  &customer.TotalCredit,
					Balance:      &customer.Balance,
					Transactions: transactionsPatch(customer.Transactions),
					LastUpdated:  &now,
				},
			}))
			writes = append(writes, store.Write{Collection: store.CreditCustomers, Value: customers})
		}

		// Money already paid against the sale stays on the account as a general payment.
		if slices.ContainsFunc(s.payments, func(p domain.CreditPayment) bool { return p.TransactionID == tx.ID }) {
			payments = slices.Clone(s.payments)
			released := ""
			for i := range payments {
				if payments[i].TransactionID == tx.ID {
					payments[i].TransactionID = ""
					ops = append(ops, domain.NewOp(domain.PaymentUpdate{
						ID:      payments[i].ID,
						Updates: domain.PaymentPatch{TransactionID: &released},
					}))
				}
			}
			writes = append(writes, store.Write{Collection: store.CreditPayments, Value: payments})
		}
	}

	err := s.commit(ctx, writes, ops, func() {
		s.transactions = transactions
		s.products = products
		s.inventoryLogs = logs
		s.customers = customers
		s.payments = payments
	})
	if err != nil {
		return err
	}

	s.logger.Info("transaction reversed", zap.String("transaction", tx.ID), zap.String("by", recordedBy))
	return nil
}

// ReprintTransaction sends a stored sale to the printer again. Nothing is mutated or queued.
func (s *Service) ReprintTransaction(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	idx := indexOf(s.transactions, func(t domain.Transaction) bool { return t.ID == transactionID })
	if idx < 0 {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	tx := s.transactions[idx]
	cfg := s.business
	s.mu.Unlock()

	return s.printer.PrintReceipt(ctx, tx, cfg, true)
}

func (s *Service) Transactions() []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transactions)
}

func (s *Service) Transaction(id string) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := indexOf(s.transactions, func(t domain.Transaction) bool { return t.ID == id })
	if idx < 0 {
		return domain.Transaction{}, store.ErrNotFound
	}
	return s.transactions[idx], nil
}

func stockUpdateOp(p domain.Product, now time.Time) domain.SyncOperation {
	stock := *p.Stock
	return domain.NewOp(domain.ProductUpdate{
		ID:      p.ID,
		Updates: domain.ProductPatch{Stock: &stock, UpdatedAt: &now},
	})
}

// transactionsPatch always yields a non-nil list so an emptied account still reaches the wire.
func transactionsPatch(ids []string) *[]string {
	out := append([]string{}, ids...)
	return &out
}
