package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// LiquidationItem 清偿计算中单期的计费明细
type LiquidationItem struct {
	InstallmentNumber int             `json:"installment_number"`
	DueDate           time.Time       `json:"due_date"`
	Overdue           bool            `json:"overdue"`
	Principal         decimal.Decimal `json:"principal"`
	Interest          decimal.Decimal `json:"interest"`
	LateFee           decimal.Decimal `json:"late_fee"`
	FullyCovered      bool            `json:"fully_covered"`
}

// Total 该期计费合计
func (i LiquidationItem) Total() decimal.Decimal {
	return i.Principal.Add(i.Interest).Add(i.LateFee)
}

// LiquidationBreakdown 清偿金额构成
type LiquidationBreakdown struct {
	UnpaidPrincipal   decimal.Decimal   `json:"unpaid_principal"`
	AccruedInterest   decimal.Decimal   `json:"accrued_interest"`
	LateFees          decimal.Decimal   `json:"late_fees"`
	SchedulesIncluded []LiquidationItem `json:"schedules_included"`
}

// LiquidationCalculation 清偿计算结果，临时对象不落库；
// 台账条目会记录其构成
type LiquidationCalculation struct {
	TotalDue          decimal.Decimal      `json:"total_due"`
	Breakdown         LiquidationBreakdown `json:"breakdown"`
	IsFullLiquidation bool                 `json:"is_full_liquidation"`
	RemainingBalance  decimal.Decimal      `json:"remaining_balance"`
}

// CalculateLiquidation 计算在 now 时刻全额或部分清偿该贷款所需的金额。
//
// 逐期计息规则：
//   - 已过应还日：收取全额利息，不打折，并计滞纳金（已有滞纳金沿用，
//     否则按罚息率现算）；
//   - 未到期：按激活以来经过时间占该期计息周期的比例折算，
//     ratio = min(daysSinceStart/daysToDue, 1)，利息向上取整；
//     任一窗口不为正时利息为零（尚未开始计息）。
//
// 指定 partialAmount 且小于全额时走瀑布分配，见 allocateWaterfall。
func CalculateLiquidation(loan *Loan, items []*ScheduleItem, partialAmount *decimal.Decimal, now time.Time) (*LiquidationCalculation, error) {
	if err := loan.EnsureLiquidatable(); err != nil {
		return nil, err
	}

	start := loan.StartDate()
	unpaid := make([]LiquidationItem, 0, len(items))
	for _, item := range items {
		if item.Status == InstallmentStatusPaid {
			continue
		}

		pastDue := item.IsPastDue(now)
		interest := prorateInterest(item, start, now, pastDue)

		lateFee := decimal.Zero
		if pastDue {
			if item.LateFee.IsPositive() {
				lateFee = item.LateFee
			} else {
				lateFee = CalculateLateFee(item.Amount, loan.Config.PenaltyRate)
			}
		}

		unpaid = append(unpaid, LiquidationItem{
			InstallmentNumber: item.InstallmentNumber,
			DueDate:           item.DueDate,
			Overdue:           pastDue,
			Principal:         item.PrincipalAmount,
			Interest:          interest,
			LateFee:           lateFee,
			FullyCovered:      true,
		})
	}

	if len(unpaid) == 0 {
		return nil, ErrLoanAlreadyCompleted
	}

	fullTotal := decimal.Zero
	for _, u := range unpaid {
		fullTotal = fullTotal.Add(u.Total())
	}

	if partialAmount != nil && !partialAmount.IsPositive() {
		return nil, fmt.Errorf("%w: partial amount must be positive", ErrAmountMismatch)
	}

	// 全额清偿（未指定部分金额，或指定金额足以覆盖全额）
	if partialAmount == nil || partialAmount.GreaterThanOrEqual(fullTotal) {
		return &LiquidationCalculation{
			TotalDue:          fullTotal,
			Breakdown:         sumBreakdown(unpaid),
			IsFullLiquidation: true,
			RemainingBalance:  decimal.Zero,
		}, nil
	}

	allocated := allocateWaterfall(unpaid, *partialAmount)

	return &LiquidationCalculation{
		// 部分清偿的 TotalDue 等于调用方给定的金额；
		// 分配后的明细合计在取整范围内与之对账
		TotalDue:          *partialAmount,
		Breakdown:         sumBreakdown(allocated),
		IsFullLiquidation: false,
		RemainingBalance:  fullTotal.Sub(*partialAmount),
	}, nil
}

// prorateInterest 计算单期应计利息
func prorateInterest(item *ScheduleItem, start, now time.Time, pastDue bool) decimal.Decimal {
	if pastDue {
		return item.InterestAmount
	}

	daysSinceStart := daysBetween(start, now)
	daysToDue := daysBetween(start, item.DueDate)
	if daysSinceStart <= 0 || daysToDue <= 0 {
		return decimal.Zero
	}

	ratio := decimal.NewFromInt(int64(daysSinceStart)).Div(decimal.NewFromInt(int64(daysToDue)))
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	return item.InterestAmount.Mul(ratio).Ceil()
}

// allocateWaterfall 将固定金额按优先级分配到各期：
// 逾期在前（按应还日升序），未到期在后（按应还日升序）；
// 资金足够则整期覆盖，首个无法整期覆盖的期按 本金 → 利息 → 滞纳金
// 的严格顺序分配剩余资金，其后各期不再分配。
func allocateWaterfall(unpaid []LiquidationItem, funds decimal.Decimal) []LiquidationItem {
	ordered := make([]LiquidationItem, len(unpaid))
	copy(ordered, unpaid)
	sort.SliceStable(ordered, func(a, b int) bool {
		if ordered[a].Overdue != ordered[b].Overdue {
			return ordered[a].Overdue
		}
		return ordered[a].DueDate.Before(ordered[b].DueDate)
	})

	allocated := make([]LiquidationItem, 0, len(ordered))
	for _, item := range ordered {
		if !funds.IsPositive() {
			break
		}

		if funds.GreaterThanOrEqual(item.Total()) {
			funds = funds.Sub(item.Total())
			allocated = append(allocated, item)
			continue
		}

		// 首个无法整期覆盖的期：按优先级切分后终止分配
		partial := item
		partial.FullyCovered = false

		partial.Principal = decimal.Min(funds, item.Principal)
		funds = funds.Sub(partial.Principal)

		partial.Interest = decimal.Min(funds, item.Interest)
		funds = funds.Sub(partial.Interest)

		partial.LateFee = decimal.Min(funds, item.LateFee)
		funds = funds.Sub(partial.LateFee)

		allocated = append(allocated, partial)
		break
	}
	return allocated
}

func sumBreakdown(items []LiquidationItem) LiquidationBreakdown {
	b := LiquidationBreakdown{
		UnpaidPrincipal:   decimal.Zero,
		AccruedInterest:   decimal.Zero,
		LateFees:          decimal.Zero,
		SchedulesIncluded: items,
	}
	for _, i := range items {
		b.UnpaidPrincipal = b.UnpaidPrincipal.Add(i.Principal)
		b.AccruedInterest = b.AccruedInterest.Add(i.Interest)
		b.LateFees = b.LateFees.Add(i.LateFee)
	}
	return b
}

// daysBetween 计算整数天数差，不足一天按 0 计
func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}
