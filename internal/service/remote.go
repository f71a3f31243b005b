package service

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/merge"
	"kasirinaja/ledger/internal/store"
)

// Snapshot copies every synced collection. limit caps transactions, newest
// first; zero or less means no cap.
func (s *Service) Snapshot(limit int) domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	transactions := s.transactions
	if limit > 0 && len(transactions) > limit {
		transactions = transactions[:limit]
	}
	business := s.business

	return domain.Snapshot{
		Products:        cloneList(s.products),
		Users:           cloneList(s.users),
		Expenses:        cloneList(s.expenses),
		Salaries:        cloneList(s.salaries),
		CreditCustomers: cloneList(s.customers),
		BusinessSetup:   &business,
		Transactions:    cloneList(transactions),
	}
}

// MergeRemote folds a snapshot pulled from the remote authority into local
// state, record by record, and persists the result. Users and transactions
// are owned by the till and are left alone. Nothing is enqueued.
func (s *Service) MergeRemote(ctx context.Context, remote domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := dedupeProducts(merge.Records(s.products, s.sanitizeProducts(remote.Products)))
	expenses := merge.Records(s.expenses, remote.Expenses)
	salaries := merge.Records(s.salaries, remote.Salaries)
	customers := merge.Records(s.customers, remote.CreditCustomers)
	for i := range customers {
		customers[i].Rebalance()
	}
	business := mergeBusiness(s.business, remote.BusinessSetup)

	writes := []store.Write{
		{Collection: store.Products, Value: products},
		{Collection: store.Expenses, Value: expenses},
		{Collection: store.Salaries, Value: salaries},
		{Collection: store.CreditCustomers, Value: customers},
		{Collection: store.BusinessSetup, Value: business},
	}
	err := s.commit(ctx, writes, nil, func() {
		s.products = products
		s.expenses = expenses
		s.salaries = salaries
		s.customers = customers
		s.business = business
	})
	if err != nil {
		return err
	}

	s.logger.Debug("remote snapshot merged",
		zap.Int("products", len(products)),
		zap.Int("expenses", len(expenses)),
		zap.Int("salaries", len(salaries)),
		zap.Int("customers", len(customers)),
	)
	return nil
}

// sanitizeProducts gives id-less remote products the id of a local product
// with the same name, or one derived from the name.
func (s *Service) sanitizeProducts(remote []domain.Product) []domain.Product {
	out := make([]domain.Product, 0, len(remote))
	for _, p := range remote {
		if p.ID == 0 {
			if idx := indexOf(s.products, func(local domain.Product) bool { return domain.SameName(local.Name, p.Name) }); idx >= 0 {
				p.ID = s.products[idx].ID
			} else {
				p.ID = merge.StableProductID(p.Name)
			}
		}
		out = append(out, p)
	}
	return out
}

// mergeBusiness resolves the business setup. A winning remote copy never
// blanks the connection settings this till was configured with.
func mergeBusiness(local domain.BusinessConfig, remote *domain.BusinessConfig) domain.BusinessConfig {
	winner := *merge.Singleton(&local, remote)
	if remote == nil || winner.Stamp().Equal(local.Stamp()) {
		return winner
	}
	keep := func(field *string, localValue string) {
		if *field == "" {
			*field = localValue
		}
	}
	keep(&winner.APIURL, local.APIURL)
	keep(&winner.APIKey, local.APIKey)
	keep(&winner.BackOfficeURL, local.BackOfficeURL)
	keep(&winner.BackOfficeAPIKey, local.BackOfficeAPIKey)
	keep(&winner.MongoDBURI, local.MongoDBURI)
	return winner
}

// inbound is the working copy ApplyOperations mutates before one commit.
type inbound struct {
	products     []domain.Product
	transactions []domain.Transaction
	customers    []domain.CreditCustomer
	payments     []domain.CreditPayment
	users        []domain.User
	expenses     []domain.Expense
	salaries     []domain.Salary
	logs         []domain.InventoryLog
	business     domain.BusinessConfig
	dirty        map[store.Collection]struct{}
}

func (in *inbound) touch(c store.Collection) {
	in.dirty[c] = struct{}{}
}

func (in *inbound) value(c store.Collection) any {
	switch c {
	case store.Products:
		return in.products
	case store.Transactions:
		return in.transactions
	case store.CreditCustomers:
		return in.customers
	case store.CreditPayments:
		return in.payments
	case store.Users:
		return in.users
	case store.Expenses:
		return in.expenses
	case store.Salaries:
		return in.salaries
	case store.InventoryLogs:
		return in.logs
	case store.BusinessSetup:
		return in.business
	}
	return nil
}

// ApplyOperations applies operations received from a companion device and
// forwards the applied ones upstream. Duplicate transactions and payments are
// skipped; other adds for a known id resolve by last writer. Updates and
// deletes for unknown ids are ignored. It returns how many operations changed
// something.
func (s *Service) ApplyOperations(ctx context.Context, ops []domain.SyncOperation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := &inbound{
		products:     slices.Clone(s.products),
		transactions: slices.Clone(s.transactions),
		customers:    slices.Clone(s.customers),
		payments:     slices.Clone(s.payments),
		users:        slices.Clone(s.users),
		expenses:     slices.Clone(s.expenses),
		salaries:     slices.Clone(s.salaries),
		logs:         slices.Clone(s.inventoryLogs),
		business:     s.business,
		dirty:        make(map[store.Collection]struct{}),
	}

	applied := make([]domain.SyncOperation, 0, len(ops))
	for _, op := range ops {
		changed, err := in.apply(op)
		if err != nil {
			return 0, err
		}
		if changed {
			applied = append(applied, op)
		}
	}
	if len(applied) == 0 {
		return 0, nil
	}

	writes := make([]store.Write, 0, len(in.dirty))
	for _, c := range store.Collections() {
		if _, ok := in.dirty[c]; ok {
			writes = append(writes, store.Write{Collection: c, Value: in.value(c)})
		}
	}
	err := s.commit(ctx, writes, applied, func() {
		s.products = in.products
		s.transactions = in.transactions
		s.customers = in.customers
		s.payments = in.payments
		s.users = in.users
		s.expenses = in.expenses
		s.salaries = in.salaries
		s.inventoryLogs = in.logs
		s.business = in.business
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("device operations applied", zap.Int("received", len(ops)), zap.Int("applied", len(applied)))
	return len(applied), nil
}

func (in *inbound) apply(op domain.SyncOperation) (bool, error) {
	switch p := op.Data.(type) {
	case domain.NewTransaction:
		if slices.ContainsFunc(in.transactions, func(t domain.Transaction) bool { return t.ID == p.ID }) {
			return false, nil
		}
		in.transactions = slices.Insert(in.transactions, 0, domain.Transaction(p))
		in.touch(store.Transactions)
	case domain.DeleteTransaction:
		n := len(in.transactions)
		in.transactions = slices.DeleteFunc(in.transactions, func(t domain.Transaction) bool { return t.ID == p.ID })
		if len(in.transactions) == n {
			return false, nil
		}
		in.touch(store.Transactions)

	case domain.AddProduct:
		in.products = upsert(in.products, domain.Product(p))
		in.touch(store.Products)
	case domain.ProductUpdate:
		idx := indexOf(in.products, func(x domain.Product) bool { return x.ID == p.ID })
		if idx < 0 {
			return false, nil
		}
		in.products[idx] = p.Updates.Apply(in.products[idx])
		in.touch(store.Products)
	case domain.DeleteProduct:
		n := len(in.products)
		in.products = slices.DeleteFunc(in.products, func(x domain.Product) bool { return x.ID == p.ID })
		if len(in.products) == n {
			return false, nil
		}
		in.touch(store.Products)

	case domain.AddCreditCustomer:
		customer := domain.CreditCustomer(p)
		customer.Rebalance()
		in.customers = upsert(in.customers, customer)
		in.touch(store.CreditCustomers)
	case domain.CustomerUpdate:
		idx := indexOf(in.customers, func(x domain.CreditCustomer) bool { return x.ID == p.ID })
		if idx < 0 {
			return false, nil
		}
		in.customers[idx] = p.Updates.Apply(in.customers[idx])
		in.touch(store.CreditCustomers)
	case domain.DeleteCreditCustomer:
		n := len(in.customers)
		in.customers = slices.DeleteFunc(in.customers, func(x domain.CreditCustomer) bool { return x.ID == p.ID })
		if len(in.customers) == n {
			return false, nil
		}
		in.touch(store.CreditCustomers)

	case domain.AddCreditPayment:
		if slices.ContainsFunc(in.payments, func(x domain.CreditPayment) bool { return x.ID == p.ID }) {
			return false, nil
		}
		in.payments = append(in.payments, domain.CreditPayment(p))
		in.touch(store.CreditPayments)
	case domain.PaymentUpdate:
		idx := indexOf(in.payments, func(x domain.CreditPayment) bool { return x.ID == p.ID })
		if idx < 0 {
			return false, nil
		}
		in.payments[idx] = p.Updates.Apply(in.payments[idx])
		in.touch(store.CreditPayments)

	case domain.AddExpense:
		in.expenses = upsert(in.expenses, domain.Expense(p))
		in.touch(store.Expenses)
	case domain.ExpenseUpdate:
		idx := indexOf(in.expenses, func(x domain.Expense) bool { return x.ID == p.ID })
		if idx < 0 {
			return false, nil
		}
		in.expenses[idx] = p.Updates.Apply(in.expenses[idx])
		in.touch(store.Expenses)
	case domain.DeleteExpense:
		n := len(in.expenses)
		in.expenses = slices.DeleteFunc(in.expenses, func(x domain.Expense) bool { return x.ID == p.ID })
		if len(in.expenses) == n {
			return false, nil
		}
		in.touch(store.Expenses)

	case domain.AddSalary:
		in.salaries = upsert(in.salaries, domain.Salary(p))
		in.touch(store.Salaries)
	case domain.DeleteSalary:
		n := len(in.salaries)
		in.salaries = slices.DeleteFunc(in.salaries, func(x domain.Salary) bool { return x.ID == p.ID })
		if len(in.salaries) == n {
			return false, nil
		}
		in.touch(store.Salaries)

	case domain.AddUser:
		in.users = upsert(in.users, domain.User(p))
		in.touch(store.Users)
	case domain.UserUpdate:
		idx := indexOf(in.users, func(x domain.User) bool { return x.ID == p.ID })
		if idx < 0 {
			return false, nil
		}
		in.users[idx] = p.Updates.Apply(in.users[idx])
		in.touch(store.Users)
	case domain.DeleteUser:
		n := len(in.users)
		in.users = slices.DeleteFunc(in.users, func(x domain.User) bool { return x.ID == p.ID })
		if len(in.users) == n {
			return false, nil
		}
		in.touch(store.Users)

	case domain.AddInventoryLog:
		if slices.ContainsFunc(in.logs, func(x domain.InventoryLog) bool { return x.ID == p.ID }) {
			return false, nil
		}
		in.logs = append(in.logs, domain.InventoryLog(p))
		in.touch(store.InventoryLogs)

	case domain.UpdateBusinessSetup:
		remote := domain.BusinessConfig(p)
		in.business = mergeBusiness(in.business, &remote)
		in.touch(store.BusinessSetup)

	default:
		return false, fmt.Errorf("%w: %s", domain.ErrUnknownOperation, op.Type)
	}
	return true, nil
}

// upsert appends rec, or resolves it against the record sharing its key.
func upsert[T merge.Record](records []T, rec T) []T {
	idx := indexOf(records, func(x T) bool { return x.Key() == rec.Key() })
	if idx < 0 {
		return append(records, rec)
	}
	records[idx] = merge.Newer(records[idx], rec)
	return records
}

func cloneList[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return slices.Clone(items)
}
