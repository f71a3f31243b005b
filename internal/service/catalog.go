package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

// persistOne commits a single collection and enqueues the payload that describes the change.
func (s *Service) persistOne(ctx context.Context, collection store.Collection, value any, payload domain.Payload, apply func()) error {
	return s.commit(ctx,
		[]store.Write{{Collection: collection, Value: value}},
		[]domain.SyncOperation{domain.NewOp(payload)},
		apply,
	)
}

func (s *Service) Products() []domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.products)
}

// AddProduct stores a new product. A zero id is replaced by the next free one.
func (s *Service) AddProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: product name is required", ErrInvalidRecord)
	}
	if p.Price.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: price must not be negative", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		for _, existing := range s.products {
			p.ID = max(p.ID, existing.ID)
		}
		p.ID++
	} else if slices.ContainsFunc(s.products, func(existing domain.Product) bool { return existing.ID == p.ID }) {
		return domain.Product{}, fmt.Errorf("product %d: %w", p.ID, ErrDuplicateID)
	}
	now := s.stamp()
	if p.Stock != nil {
		p = p.WithStock(*p.Stock, now)
	}
	p.CreatedAt = &now
	p.UpdatedAt = &now

	products := append(slices.Clone(s.products), p)
	err := s.persistOne(ctx, store.Products, products, domain.AddProduct(p), func() {
		s.products = products
	})
	if err != nil {
		return domain.Product{}, err
	}
	return p, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, patch domain.ProductPatch) (domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.products, func(p domain.Product) bool { return p.ID == id })
	if idx < 0 {
		return domain.Product{}, store.ErrNotFound
	}
	now := s.stamp()
	patch.UpdatedAt = &now

	products := slices.Clone(s.products)
	products[idx] = patch.Apply(products[idx])
	err := s.persistOne(ctx, store.Products, products, domain.ProductUpdate{ID: id, Updates: patch}, func() {
		s.products = products
	})
	if err != nil {
		return domain.Product{}, err
	}
	return products[idx], nil
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.products, func(p domain.Product) bool { return p.ID == id })
	if idx < 0 {
		return store.ErrNotFound
	}
	products := slices.Delete(slices.Clone(s.products), idx, idx+1)
	return s.persistOne(ctx, store.Products, products, domain.DeleteProduct{ID: id}, func() {
		s.products = products
	})
}

// AdjustStock sets a counted stock level and logs the variance. Untracked
// products start being tracked.
func (s *Service) AdjustStock(ctx context.Context, productID int64, newStock int, reason string) (domain.InventoryLog, error) {
	if newStock < 0 {
		return domain.InventoryLog{}, fmt.Errorf("%w: stock must not be negative", ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.products, func(p domain.Product) bool { return p.ID == productID })
	if idx < 0 {
		return domain.InventoryLog{}, store.ErrNotFound
	}
	now := s.stamp()
	products := slices.Clone(s.products)
	old := 0
	if products[idx].Tracked() {
		old = *products[idx].Stock
	}
	products[idx] = products[idx].WithStock(newStock, now)

	entry := domain.InventoryLog{
		ID:          xid.NewAt("INV", now),
		ProductID:   productID,
		ProductName: products[idx].Name,
		OldStock:    old,
		NewStock:    newStock,
		Variance:    newStock - old,
		Reason:      strings.TrimSpace(reason),
		RecordedBy:  s.recorder(ctx),
		Timestamp:   now,
	}
	logs := append(slices.Clone(s.inventoryLogs), entry)

	writes := []store.Write{
		{Collection: store.Products, Value: products},
		{Collection: store.InventoryLogs, Value: logs},
	}
	ops := []domain.SyncOperation{
		stockUpdateOp(products[idx], now),
		domain.NewOp(domain.AddInventoryLog(entry)),
	}
	err := s.commit(ctx, writes, ops, func() {
		s.products = products
		s.inventoryLogs = logs
	})
	if err != nil {
		return domain.InventoryLog{}, err
	}
	return entry, nil
}

// LowStock lists tracked products at or below their minimum stock.
func (s *Service) LowStock() []domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Product
	for _, p := range s.products {
		if p.Tracked() && p.MinStock != nil && *p.Stock <= *p.MinStock {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) InventoryLogs() []domain.InventoryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.inventoryLogs)
}

func (s *Service) Users() []domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.users)
}

func (s *Service) AddUser(ctx context.Context, u domain.User) (domain.User, error) {
	u.Name = strings.TrimSpace(u.Name)
	u.PIN = strings.TrimSpace(u.PIN)
	if u.Name == "" || u.PIN == "" {
		return domain.User{}, fmt.Errorf("%w: user name and PIN are required", ErrInvalidRecord)
	}
	switch u.Role {
	case "":
		u.Role = domain.RoleCashier
	case domain.RoleAdmin, domain.RoleManager, domain.RoleCashier:
	default:
		return domain.User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidRecord, u.Role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	if u.ID == "" {
		u.ID = xid.NewAt("USR", now)
	} else if slices.ContainsFunc(s.users, func(existing domain.User) bool { return existing.ID == u.ID }) {
		return domain.User{}, fmt.Errorf("user %s: %w", u.ID, ErrDuplicateID)
	}
	u.CreatedAt = now
	u.UpdatedAt = &now

	users := append(slices.Clone(s.users), u)
	err := s.persistOne(ctx, store.Users, users, domain.AddUser(u), func() {
		s.users = users
	})
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (s *Service) UpdateUser(ctx context.Context, id string, patch domain.UserPatch) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.users, func(u domain.User) bool { return u.ID == id })
	if idx < 0 {
		return domain.User{}, store.ErrNotFound
	}
	now := s.stamp()
	patch.UpdatedAt = &now

	users := slices.Clone(s.users)
	users[idx] = patch.Apply(users[idx])
	err := s.persistOne(ctx, store.Users, users, domain.UserUpdate{ID: id, Updates: patch}, func() {
		s.users = users
		if s.cashier != nil && s.cashier.ID == id {
			updated := users[idx]
			s.cashier = &updated
		}
	})
	if err != nil {
		return domain.User{}, err
	}
	return users[idx], nil
}

func (s *Service) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.users, func(u domain.User) bool { return u.ID == id })
	if idx < 0 {
		return store.ErrNotFound
	}
	users := slices.Delete(slices.Clone(s.users), idx, idx+1)
	return s.persistOne(ctx, store.Users, users, domain.DeleteUser{ID: id}, func() {
		s.users = users
	})
}

func (s *Service) Expenses() []domain.Expense {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.expenses)
}

func (s *Service) AddExpense(ctx context.Context, e domain.Expense) (domain.Expense, error) {
	if !e.Amount.IsPositive() {
		return domain.Expense{}, ErrInvalidAmount
	}
	e.Description = strings.TrimSpace(e.Description)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	e.ID = xid.NewAt("EXP", now)
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Cashier == "" {
		e.Cashier = s.recorder(ctx)
	}
	e.UpdatedAt = &now

	expenses := append(slices.Clone(s.expenses), e)
	err := s.persistOne(ctx, store.Expenses, expenses, domain.AddExpense(e), func() {
		s.expenses = expenses
	})
	if err != nil {
		return domain.Expense{}, err
	}
	return e, nil
}

func (s *Service) UpdateExpense(ctx context.Context, id string, patch domain.ExpensePatch) (domain.Expense, error) {
	if patch.Amount != nil && !patch.Amount.IsPositive() {
		return domain.Expense{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.expenses, func(e domain.Expense) bool { return e.ID == id })
	if idx < 0 {
		return domain.Expense{}, store.ErrNotFound
	}
	now := s.stamp()
	patch.UpdatedAt = &now

	expenses := slices.Clone(s.expenses)
	expenses[idx] = patch.Apply(expenses[idx])
	err := s.persistOne(ctx, store.Expenses, expenses, domain.ExpenseUpdate{ID: id, Updates: patch}, func() {
		s.expenses = expenses
	})
	if err != nil {
		return domain.Expense{}, err
	}
	return expenses[idx], nil
}

func (s *Service) DeleteExpense(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.expenses, func(e domain.Expense) bool { return e.ID == id })
	if idx < 0 {
		return store.ErrNotFound
	}
	expenses := slices.Delete(slices.Clone(s.expenses), idx, idx+1)
	return s.persistOne(ctx, store.Expenses, expenses, domain.DeleteExpense{ID: id}, func() {
		s.expenses = expenses
	})
}

func (s *Service) Salaries() []domain.Salary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.salaries)
}

func (s *Service) AddSalary(ctx context.Context, sal domain.Salary) (domain.Salary, error) {
	if !sal.Amount.IsPositive() {
		return domain.Salary{}, ErrInvalidAmount
	}
	sal.EmployeeName = strings.TrimSpace(sal.EmployeeName)
	if sal.EmployeeName == "" {
		return domain.Salary{}, fmt.Errorf("%w: employee name is required", ErrInvalidRecord)
	}
	if sal.Type == "" {
		sal.Type = domain.SalaryFull
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	sal.ID = xid.NewAt("SAL", now)
	if sal.Date.IsZero() {
		sal.Date = now
	}
	if sal.RecordedBy == "" {
		sal.RecordedBy = s.recorder(ctx)
	}
	sal.UpdatedAt = &now

	salaries := append(slices.Clone(s.salaries), sal)
	err := s.persistOne(ctx, store.Salaries, salaries, domain.AddSalary(sal), func() {
		s.salaries = salaries
	})
	if err != nil {
		return domain.Salary{}, err
	}
	return sal, nil
}

func (s *Service) DeleteSalary(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.salaries, func(sal domain.Salary) bool { return sal.ID == id })
	if idx < 0 {
		return store.ErrNotFound
	}
	salaries := slices.Delete(slices.Clone(s.salaries), idx, idx+1)
	return s.persistOne(ctx, store.Salaries, salaries, domain.DeleteSalary{ID: id}, func() {
		s.salaries = salaries
	})
}

// UpdateBusinessConfig replaces the business setup and marks the till as set up.
func (s *Service) UpdateBusinessConfig(ctx context.Context, next domain.BusinessConfig) (domain.BusinessConfig, error) {
	if next.TaxRate.IsNegative() || next.TaxRate.GreaterThan(hundred) {
		return domain.BusinessConfig{}, fmt.Errorf("%w: tax rate must be between 0 and 100", ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	next.IsSetup = true
	next.CreatedAt = s.business.CreatedAt
	if next.CreatedAt == nil {
		next.CreatedAt = &now
	}
	next.UpdatedAt = &now

	err := s.persistOne(ctx, store.BusinessSetup, next, domain.UpdateBusinessSetup(next), func() {
		s.business = next
	})
	if err != nil {
		return domain.BusinessConfig{}, err
	}
	return next, nil
}
