package application

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/merchantcap/lending/internal/lending/domain"
	"github.com/merchantcap/lending/pkg/metrics"
	"gorm.io/gorm"
)

// memTx 内存事务桩，直接执行闭包，不提供回滚语义
type memTx struct{}

func (memTx) Transaction(fc func(tx *gorm.DB) error, _ ...*sql.TxOptions) error {
	return fc(nil)
}

type memLoanRepo struct {
	loans     map[string]*domain.Loan
	schedules map[string][]*domain.ScheduleItem
}

func newMemLoanRepo() *memLoanRepo {
	return &memLoanRepo{
		loans:     make(map[string]*domain.Loan),
		schedules: make(map[string][]*domain.ScheduleItem),
	}
}

func (r *memLoanRepo) WithTx(_ *gorm.DB) domain.LoanRepository { return r }

func (r *memLoanRepo) Create(_ context.Context, loan *domain.Loan) error {
	r.loans[loan.LoanID] = loan
	return nil
}

func (r *memLoanRepo) Get(_ context.Context, loanID string) (*domain.Loan, error) {
	loan, ok := r.loans[loanID]
	if !ok {
		return nil, domain.ErrLoanNotFound
	}
	return loan, nil
}

func (r *memLoanRepo) GetForUpdate(ctx context.Context, loanID string) (*domain.Loan, error) {
	return r.Get(ctx, loanID)
}

func (r *memLoanRepo) Update(_ context.Context, loan *domain.Loan) error {
	if _, ok := r.loans[loan.LoanID]; !ok {
		return domain.ErrLoanNotFound
	}
	r.loans[loan.LoanID] = loan
	return nil
}

func (r *memLoanRepo) List(_ context.Context, merchantID string, status domain.LoanStatus, limit, offset int) ([]*domain.Loan, int64, error) {
	var matched []*domain.Loan
	for _, loan := range r.loans {
		if loan.MerchantID != merchantID {
			continue
		}
		if status != "" && loan.Status != status {
			continue
		}
		matched = append(matched, loan)
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].LoanID < matched[b].LoanID })

	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (r *memLoanRepo) CountByStatus(_ context.Context, status domain.LoanStatus) (int64, error) {
	var count int64
	for _, loan := range r.loans {
		if loan.Status == status {
			count++
		}
	}
	return count, nil
}

func (r *memLoanRepo) CreateSchedule(_ context.Context, items []*domain.ScheduleItem) error {
	if len(items) == 0 {
		return nil
	}
	loanID := items[0].LoanID
	r.schedules[loanID] = append(r.schedules[loanID], items...)
	return nil
}

func (r *memLoanRepo) ReplaceSchedule(_ context.Context, loanID string, items []*domain.ScheduleItem) error {
	r.schedules[loanID] = append([]*domain.ScheduleItem(nil), items...)
	return nil
}

func (r *memLoanRepo) GetSchedule(_ context.Context, loanID string) ([]*domain.ScheduleItem, error) {
	items := append([]*domain.ScheduleItem(nil), r.schedules[loanID]...)
	sort.Slice(items, func(a, b int) bool {
		return items[a].InstallmentNumber < items[b].InstallmentNumber
	})
	return items, nil
}

func (r *memLoanRepo) UpdateScheduleItem(_ context.Context, item *domain.ScheduleItem) error {
	for i, existing := range r.schedules[item.LoanID] {
		if existing.InstallmentNumber == item.InstallmentNumber {
			r.schedules[item.LoanID][i] = item
			return nil
		}
	}
	return domain.ErrInstallmentNotFound
}

func (r *memLoanRepo) MarkOverdue(_ context.Context, asOf time.Time) (int64, error) {
	var count int64
	for _, items := range r.schedules {
		for _, item := range items {
			if item.Status == domain.InstallmentStatusPending && item.DueDate.Before(asOf) {
				item.Status = domain.InstallmentStatusOverdue
				count++
			}
		}
	}
	return count, nil
}

type memLedgerRepo struct {
	entries []*domain.LedgerEntry
}

func newMemLedgerRepo() *memLedgerRepo { return &memLedgerRepo{} }

func (r *memLedgerRepo) WithTx(_ *gorm.DB) domain.LedgerRepository { return r }

func (r *memLedgerRepo) Append(_ context.Context, entry *domain.LedgerEntry) error {
	for _, existing := range r.entries {
		if existing.IdempotencyKey == entry.IdempotencyKey {
			return gorm.ErrDuplicatedKey
		}
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *memLedgerRepo) GetByIdempotencyKey(_ context.Context, key string) (*domain.LedgerEntry, error) {
	for _, entry := range r.entries {
		if entry.IdempotencyKey == key {
			return entry, nil
		}
	}
	return nil, nil
}

func (r *memLedgerRepo) ListByLoan(_ context.Context, loanID string) ([]*domain.LedgerEntry, error) {
	var matched []*domain.LedgerEntry
	for _, entry := range r.entries {
		if entry.LoanID == loanID {
			matched = append(matched, entry)
		}
	}
	return matched, nil
}

type publishedEvent struct {
	Type    string
	Key     string
	Payload any
}

type memPublisher struct {
	events []publishedEvent
}

func (p *memPublisher) PublishInTx(_ context.Context, _ *gorm.DB, eventType string, key string, payload any) error {
	p.events = append(p.events, publishedEvent{Type: eventType, Key: key, Payload: payload})
	return nil
}

func (p *memPublisher) eventTypes() []string {
	types := make([]string, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

type testEnv struct {
	loans     *memLoanRepo
	ledger    *memLedgerRepo
	publisher *memPublisher
	commands  *LoanCommandService
	queries   *LoanQueryService
	liq       *LiquidationService
}

func newTestEnv() *testEnv {
	loans := newMemLoanRepo()
	ledger := newMemLedgerRepo()
	publisher := &memPublisher{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New("lending_test")

	return &testEnv{
		loans:     loans,
		ledger:    ledger,
		publisher: publisher,
		commands:  NewLoanCommandService(memTx{}, loans, ledger, publisher, nil, 7, log, m),
		queries:   NewLoanQueryService(loans, ledger, nil, log),
		liq:       NewLiquidationService(memTx{}, loans, ledger, publisher, nil, log, m),
	}
}
