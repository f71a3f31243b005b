package service

import (
	"context"
	"errors"
	"slices"
	"strings"

	"go.uber.org/zap"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
	"kasirinaja/ledger/internal/xid"
)

var ErrEmptyReceipt = errors.New("receipt has no transaction id")

// QueueMobileReceipt parks a sale sent by a companion device until someone at
// the till prints it.
func (s *Service) QueueMobileReceipt(ctx context.Context, tx domain.Transaction) (domain.MobileReceipt, error) {
	if strings.TrimSpace(tx.ID) == "" {
		return domain.MobileReceipt{}, ErrEmptyReceipt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp()
	receipt := domain.MobileReceipt{
		Transaction: tx,
		PrintID:     xid.NewAt("PRN", now),
		ReceivedAt:  now,
	}
	receipts := append(slices.Clone(s.receipts), receipt)

	err := s.commit(ctx, []store.Write{{Collection: store.MobileReceipts, Value: receipts}}, nil, func() {
		s.receipts = receipts
	})
	if err != nil {
		return domain.MobileReceipt{}, err
	}
	s.logger.Info("mobile receipt queued", zap.String("print_id", receipt.PrintID), zap.String("transaction", tx.ID))
	return receipt, nil
}

func (s *Service) MobileReceipts() []domain.MobileReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.receipts)
}

// PrintMobileReceipt prints a parked receipt, keeps its sale in the local
// history when the till has not seen it yet, and drops it from the queue.
func (s *Service) PrintMobileReceipt(ctx context.Context, printID string) error {
	s.mu.Lock()
	idx := indexOf(s.receipts, func(r domain.MobileReceipt) bool { return r.PrintID == printID })
	if idx < 0 {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	receipt := s.receipts[idx]
	cfg := s.business
	s.mu.Unlock()

	if err := s.printer.PrintReceipt(ctx, receipt.Transaction, cfg, false); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	receipts := slices.DeleteFunc(slices.Clone(s.receipts), func(r domain.MobileReceipt) bool { return r.PrintID == printID })
	writes := []store.Write{{Collection: store.MobileReceipts, Value: receipts}}

	transactions := s.transactions
	if !slices.ContainsFunc(s.transactions, func(t domain.Transaction) bool { return t.ID == receipt.ID }) {
		transactions = slices.Insert(slices.Clone(s.transactions), 0, receipt.Transaction)
		writes = append(writes, store.Write{Collection: store.Transactions, Value: transactions})
	}

	return s.commit(ctx, writes, nil, func() {
		s.receipts = receipts
		s.transactions = transactions
	})
}

func (s *Service) DeleteMobileReceipt(ctx context.Context, printID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.receipts, func(r domain.MobileReceipt) bool { return r.PrintID == printID })
	if idx < 0 {
		return store.ErrNotFound
	}
	receipts := slices.Delete(slices.Clone(s.receipts), idx, idx+1)
	return s.commit(ctx, []store.Write{{Collection: store.MobileReceipts, Value: receipts}}, nil, func() {
		s.receipts = receipts
	})
}
