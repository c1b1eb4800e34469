// Package application 实现借贷服务的应用层：生命周期管理、清偿引擎与查询
package application

import (
	"time"

	"github.com/merchantcap/lending/internal/lending/domain"
)

// LoanDTO 贷款视图
type LoanDTO struct {
	LoanID             string            `json:"loan_id"`
	MerchantID         string            `json:"merchant_id"`
	CustomerID         string            `json:"customer_id"`
	PrincipalAmount    string            `json:"principal_amount"`
	Status             string            `json:"status"`
	CurrentInstallment int               `json:"current_installment"`
	AmountPaid         string            `json:"amount_paid"`
	AmountRemaining    string            `json:"amount_remaining"`
	Configuration      LoanConfigDTO     `json:"configuration"`
	CardBound          bool              `json:"card_bound"`
	CardLast4          string            `json:"card_last4,omitempty"`
	Notes              string            `json:"notes,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	ActivatedAt        *time.Time        `json:"activated_at,omitempty"`
	FirstPaymentDate   *time.Time        `json:"first_payment_date,omitempty"`
	LastPaymentDate    *time.Time        `json:"last_payment_date,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	DefaultedAt        *time.Time        `json:"defaulted_at,omitempty"`
	PaymentSchedule    []ScheduleItemDTO `json:"payment_schedule,omitempty"`
}

// LoanConfigDTO 贷款配置视图
type LoanConfigDTO struct {
	Frequency            string `json:"frequency"`
	TenorValue           int    `json:"tenor_value"`
	TenorUnit            string `json:"tenor_unit"`
	NumberOfInstallments int    `json:"number_of_installments"`
	InterestRate         string `json:"interest_rate"`
	PenaltyRate          string `json:"penalty_rate"`
	InstallmentAmount    string `json:"installment_amount"`
	TotalInterest        string `json:"total_interest"`
	TotalAmount          string `json:"total_amount"`
}

// ScheduleItemDTO 分期条目视图
type ScheduleItemDTO struct {
	InstallmentNumber int        `json:"installment_number"`
	DueDate           time.Time  `json:"due_date"`
	Amount            string     `json:"amount"`
	PrincipalAmount   string     `json:"principal_amount"`
	InterestAmount    string     `json:"interest_amount"`
	Status            string     `json:"status"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	PaidAmount        string     `json:"paid_amount,omitempty"`
	PaymentID         string     `json:"payment_id,omitempty"`
	LateFee           string     `json:"late_fee,omitempty"`
}

func toLoanDTO(loan *domain.Loan, items []*domain.ScheduleItem) *LoanDTO {
	dto := &LoanDTO{
		LoanID:             loan.LoanID,
		MerchantID:         loan.MerchantID,
		CustomerID:         loan.CustomerID,
		PrincipalAmount:    loan.PrincipalAmount.String(),
		Status:             string(loan.Status),
		CurrentInstallment: loan.CurrentInstallment,
		AmountPaid:         loan.AmountPaid.String(),
		AmountRemaining:    loan.AmountRemaining.String(),
		Configuration:      toConfigDTO(loan.Config),
		CardBound:          loan.Card.Bound(),
		CardLast4:          loan.Card.Last4,
		Notes:              loan.Notes,
		CreatedAt:          loan.CreatedAt,
		ActivatedAt:        loan.ActivatedAt,
		FirstPaymentDate:   loan.FirstPaymentDate,
		LastPaymentDate:    loan.LastPaymentDate,
		CompletedAt:        loan.CompletedAt,
		DefaultedAt:        loan.DefaultedAt,
	}
	for _, item := range items {
		dto.PaymentSchedule = append(dto.PaymentSchedule, toScheduleItemDTO(item))
	}
	return dto
}

func toConfigDTO(cfg domain.LoanConfiguration) LoanConfigDTO {
	return LoanConfigDTO{
		Frequency:            string(cfg.Frequency),
		TenorValue:           cfg.TenorValue,
		TenorUnit:            string(cfg.TenorUnit),
		NumberOfInstallments: cfg.NumberOfInstallments,
		InterestRate:         cfg.InterestRate.String(),
		PenaltyRate:          cfg.PenaltyRate.String(),
		InstallmentAmount:    cfg.InstallmentAmount.String(),
		TotalInterest:        cfg.TotalInterest.String(),
		TotalAmount:          cfg.TotalAmount.String(),
	}
}

func toScheduleItemDTO(item *domain.ScheduleItem) ScheduleItemDTO {
	dto := ScheduleItemDTO{
		InstallmentNumber: item.InstallmentNumber,
		DueDate:           item.DueDate,
		Amount:            item.Amount.String(),
		PrincipalAmount:   item.PrincipalAmount.String(),
		InterestAmount:    item.InterestAmount.String(),
		Status:            string(item.Status),
		PaidAt:            item.PaidAt,
		PaymentID:         item.PaymentID,
	}
	if item.PaidAmount.IsPositive() {
		dto.PaidAmount = item.PaidAmount.String()
	}
	if item.LateFee.IsPositive() {
		dto.LateFee = item.LateFee.String()
	}
	return dto
}
