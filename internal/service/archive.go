package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/store"
)

const dayLayout = "2006-01-02"

type ArchiveResult struct {
	Cutoff   time.Time `json:"cutoff"`
	Archived int       `json:"archived"`
	Days     []string  `json:"days"`
}

// ArchiveOlderThan folds every sale from before local midnight days ago into
// its day's summary and drops the detail. Archival is not synced.
func (s *Service) ArchiveOlderThan(ctx context.Context, days int) (ArchiveResult, error) {
	if days < 0 {
		return ArchiveResult{}, fmt.Errorf("days must not be negative, got %d", days)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().In(s.loc)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, -days)
	result := ArchiveResult{Cutoff: cutoff, Days: []string{}}

	kept := make([]domain.Transaction, 0, len(s.transactions))
	summaries := maps.Clone(s.summaries)
	touched := make(map[string]struct{})
	for _, tx := range s.transactions {
		if !tx.Timestamp.Before(cutoff) {
			kept = append(kept, tx)
			continue
		}
		day := tx.Timestamp.In(s.loc).Format(dayLayout)
		summary, ok := summaries[day]
		if !ok {
			summary = emptySummary(day)
		}
		summary.Add(tx)
		summaries[day] = summary
		touched[day] = struct{}{}
		result.Archived++
	}
	if result.Archived == 0 {
		return result, nil
	}

	for day := range touched {
		summary := summaries[day]
		summary.ExpenseTotal = s.expenseTotalLocked(day)
		summaries[day] = summary
	}
	result.Days = slices.Sorted(maps.Keys(touched))

	writes := []store.Write{
		{Collection: store.Transactions, Value: kept},
		{Collection: store.DailySummaries, Value: summaries},
	}
	err := s.commit(ctx, writes, nil, func() {
		s.transactions = kept
		s.summaries = summaries
	})
	if err != nil {
		return ArchiveResult{}, err
	}

	s.logger.Info("transactions archived",
		zap.Time("cutoff", cutoff),
		zap.Int("archived", result.Archived),
		zap.Strings("days", result.Days),
	)
	return result, nil
}

// DailySales reports a YYYY-MM-DD day: its archived summary when it has one,
// otherwise an aggregate of the day's completed live sales.
func (s *Service) DailySales(day string) (domain.DailySummary, error) {
	if _, err := time.ParseInLocation(dayLayout, day, s.loc); err != nil {
		return domain.DailySummary{}, fmt.Errorf("invalid date %q: %w", day, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if archived, ok := s.summaries[day]; ok {
		return archived, nil
	}
	summary := emptySummary(day)
	for _, tx := range s.transactions {
		if tx.Status == domain.TxStatusCompleted && tx.Timestamp.In(s.loc).Format(dayLayout) == day {
			summary.Add(tx)
		}
	}
	summary.ExpenseTotal = s.expenseTotalLocked(day)
	return summary, nil
}

func (s *Service) DailySummaries() map[string]domain.DailySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.summaries)
}

func (s *Service) expenseTotalLocked(day string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range s.expenses {
		if e.Timestamp.In(s.loc).Format(dayLayout) == day {
			total = total.Add(e.Amount)
		}
	}
	return total
}

func emptySummary(day string) domain.DailySummary {
	return domain.DailySummary{
		Date:             day,
		TotalSales:       decimal.Zero,
		CashTotal:        decimal.Zero,
		MobileMoneyTotal: decimal.Zero,
		CreditTotal:      decimal.Zero,
		ExpenseTotal:     decimal.Zero,
	}
}

// Today is the current business day as YYYY-MM-DD.
func (s *Service) Today() string {
	return s.now().In(s.loc).Format(dayLayout)
}
