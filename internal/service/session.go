package service

import (
	"context"
	"crypto/subtle"
	"strings"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
)

// Authenticate checks a user's PIN without touching the till session.
func (s *Service) Authenticate(userID string, pin string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticateLocked(userID, pin)
}

func (s *Service) authenticateLocked(userID string, pin string) (domain.User, error) {
	userID = strings.TrimSpace(userID)
	pin = strings.TrimSpace(pin)
	if userID == "" || pin == "" {
		return domain.User{}, ErrInvalidCredentials
	}

	idx := indexOf(s.users, func(u domain.User) bool { return u.ID == userID })
	if idx < 0 {
		return domain.User{}, ErrInvalidCredentials
	}
	user := s.users[idx]
	if subtle.ConstantTimeCompare([]byte(user.PIN), []byte(pin)) != 1 {
		return domain.User{}, ErrInvalidCredentials
	}
	if !user.Active {
		return domain.User{}, ErrInactiveUser
	}
	return user, nil
}

// Login opens the till session for userID. Any cart left by the previous cashier is dropped.
func (s *Service) Login(_ context.Context, userID string, pin string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.authenticateLocked(userID, pin)
	if err != nil {
		return domain.User{}, err
	}
	s.cashier = &user
	s.cart = nil
	return user, nil
}

func (s *Service) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cashier = nil
	s.cart = nil
}

func (s *Service) CurrentCashier() (domain.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cashier == nil {
		return domain.User{}, false
	}
	return *s.cashier, true
}

// AddToCart adds one unit of a product, freezing its current price into the line.
func (s *Service) AddToCart(productID int64) ([]domain.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cashier == nil {
		return nil, ErrNoSession
	}
	idx := indexOf(s.products, func(p domain.Product) bool { return p.ID == productID })
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	product := s.products[idx]
	if !product.IsAvailable() {
		return nil, ErrProductUnavailable
	}

	line := indexOf(s.cart, func(item domain.CartItem) bool { return item.Product.ID == productID })
	if line >= 0 {
		s.cart[line].Quantity++
	} else {
		s.cart = append(s.cart, domain.CartItem{Product: product, Quantity: 1})
	}
	return s.cartLocked(), nil
}

// UpdateQuantity sets a line's quantity; zero or less removes the line.
func (s *Service) UpdateQuantity(productID int64, quantity int) []domain.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := indexOf(s.cart, func(item domain.CartItem) bool { return item.Product.ID == productID })
	if line < 0 {
		return s.cartLocked()
	}
	if quantity <= 0 {
		s.cart = append(s.cart[:line], s.cart[line+1:]...)
	} else {
		s.cart[line].Quantity = quantity
	}
	return s.cartLocked()
}

func (s *Service) RemoveFromCart(productID int64) []domain.CartItem {
	return s.UpdateQuantity(productID, 0)
}

func (s *Service) ClearCart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart = nil
}

func (s *Service) Cart() []domain.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cartLocked()
}

func (s *Service) cartLocked() []domain.CartItem {
	return append([]domain.CartItem(nil), s.cart...)
}
