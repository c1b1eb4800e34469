package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/merchantcap/lending/internal/lending/application"
	"github.com/merchantcap/lending/internal/lending/domain"
	"github.com/shopspring/decimal"
)

// merchantHeader 商户身份头。上游网关完成认证后注入，
// 服务内只做归属校验不做鉴权
const merchantHeader = "X-Merchant-ID"

// Handler 贷款服务 HTTP 处理器
type Handler struct {
	commands    *application.LoanCommandService
	queries     *application.LoanQueryService
	liquidation *application.LiquidationService
}

// NewHandler 创建 HTTP 处理器
func NewHandler(
	commands *application.LoanCommandService,
	queries *application.LoanQueryService,
	liquidation *application.LiquidationService,
) *Handler {
	return &Handler{commands: commands, queries: queries, liquidation: liquidation}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	loans := r.Group("/loans")
	{
		loans.POST("", h.CreateLoan)
		loans.GET("", h.ListLoans)
		loans.POST("/preview", h.PreviewSchedule)
		loans.GET("/:id", h.GetLoan)
		loans.POST("/:id/authorize", h.AuthorizeCard)
		loans.POST("/:id/cancel", h.CancelLoan)
		loans.POST("/:id/payments", h.RecordPayment)
		loans.POST("/:id/liquidation/calculate", h.CalculateLiquidation)
		loans.POST("/:id/liquidation/execute", h.ExecuteLiquidation)
		loans.GET("/:id/early-repayment", h.EarlyRepayment)
		loans.GET("/:id/ledger", h.ListLedger)
	}

	admin := r.Group("/admin")
	{
		admin.PATCH("/loans/:id", h.AdminUpdateLoan)
		admin.POST("/overdue-sweep", h.OverdueSweep)
	}
}

type createLoanRequest struct {
	CustomerID      string `json:"customer_id" binding:"required"`
	PrincipalAmount string `json:"principal_amount" binding:"required"`
	Frequency       string `json:"frequency" binding:"required"`
	TenorValue      int    `json:"tenor_value" binding:"required"`
	TenorUnit       string `json:"tenor_unit" binding:"required"`
	InterestRate    string `json:"interest_rate" binding:"required"`
	PenaltyRate     string `json:"penalty_rate"`
}

// CreateLoan 创建贷款
func (h *Handler) CreateLoan(c *gin.Context) {
	merchantID := c.GetHeader(merchantHeader)
	if merchantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing merchant identity"})
		return
	}

	var req createLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	principal, err := decimal.NewFromString(req.PrincipalAmount)
	if err != nil || !principal.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid principal_amount"})
		return
	}
	rate, err := decimal.NewFromString(req.InterestRate)
	if err != nil || rate.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interest_rate"})
		return
	}
	penalty := decimal.Zero
	if req.PenaltyRate != "" {
		penalty, err = decimal.NewFromString(req.PenaltyRate)
		if err != nil || penalty.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid penalty_rate"})
			return
		}
	}

	loan, err := h.commands.CreateLoan(c.Request.Context(), application.CreateLoanCommand{
		MerchantID:   merchantID,
		CustomerID:   req.CustomerID,
		Principal:    principal,
		Frequency:    domain.PaymentFrequency(req.Frequency),
		Tenor:        domain.Tenor{Value: req.TenorValue, Unit: domain.TenorUnit(req.TenorUnit)},
		InterestRate: rate,
		PenaltyRate:  penalty,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, loan)
}

// ListLoans 按商户分页查询贷款
func (h *Handler) ListLoans(c *gin.Context) {
	merchantID := c.GetHeader(merchantHeader)
	if merchantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing merchant identity"})
		return
	}

	var query struct {
		Status   string `form:"status"`
		Page     int    `form:"page,default=1"`
		PageSize int    `form:"page_size,default=20"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	list, err := h.queries.ListLoans(c.Request.Context(), merchantID, domain.LoanStatus(query.Status), query.Page, query.PageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetLoan 查询贷款详情
func (h *Handler) GetLoan(c *gin.Context) {
	merchantID := c.GetHeader(merchantHeader)
	if merchantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing merchant identity"})
		return
	}

	loan, err := h.queries.GetLoan(c.Request.Context(), merchantID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

type authorizeCardRequest struct {
	CardToken string `json:"card_token" binding:"required"`
	CardLast4 string `json:"card_last4" binding:"required,len=4"`
}

// AuthorizeCard 绑卡并激活贷款
func (h *Handler) AuthorizeCard(c *gin.Context) {
	merchantID := c.GetHeader(merchantHeader)
	if merchantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing merchant identity"})
		return
	}

	var req authorizeCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	loan, err := h.commands.AuthorizeCard(c.Request.Context(), application.AuthorizeCardCommand{
		MerchantID: merchantID,
		LoanID:     c.Param("id"),
		CardToken:  req.CardToken,
		CardLast4:  req.CardLast4,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

// CancelLoan 取消待激活贷款
func (h *Handler) CancelLoan(c *gin.Context) {
	merchantID := c.GetHeader(merchantHeader)
	if merchantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing merchant identity"})
		return
	}

	loan, err := h.commands.CancelLoan(c.Request.Context(), merchantID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

type recordPaymentRequest struct {
	InstallmentNumber int    `json:"installment_number" binding:"required,min=1"`
	Amount            string `json:"amount"`
	PaymentID         string `json:"payment_id" binding:"required"`
}

// RecordPayment 记录分期还款
func (h *Handler) RecordPayment(c *gin.Context) {
	merchantID := c.GetHeader(merchantHeader)
	if merchantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing merchant identity"})
		return
	}

	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount := decimal.Zero
	if req.Amount != "" {
		var err error
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil || amount.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
	}

	loan, err := h.commands.RecordPayment(c.Request.Context(), application.RecordPaymentCommand{
		MerchantID:        merchantID,
		LoanID:            c.Param("id"),
		InstallmentNumber: req.InstallmentNumber,
		Amount:            amount,
		PaymentID:         req.PaymentID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

type calculateLiquidationRequest struct {
	PartialAmount string `json:"partial_amount"`
}

// CalculateLiquidation 清偿试算，partial_amount 可选
func (h *Handler) CalculateLiquidation(c *gin.Context) {
	merchantID := c.GetHeader(merchantHeader)
	if merchantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing merchant identity"})
		return
	}

	// 请求体可为空，空体视为全额试算
	var req calculateLiquidationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	q := application.CalculateLiquidationQuery{
		MerchantID: merchantID,
		LoanID:     c.Param("id"),
	}
	if req.PartialAmount != "" {
		partial, err := decimal.NewFromString(req.PartialAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid partial_amount"})
			return
		}
		q.PartialAmount = &partial
	}

	calc, err := h.liquidation.Calculate(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, calc)
}

type executeLiquidationRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
	Method    string `json:"method"`
}

// ExecuteLiquidation 执行清偿
func (h *Handler) ExecuteLiquidation(c *gin.Context) {
	merchantID := c.GetHeader(merchantHeader)
	if merchantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing merchant identity"})
		return
	}

	var req executeLiquidationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	result, err := h.liquidation.Execute(c.Request.Context(), application.ExecuteLiquidationCommand{
		MerchantID: merchantID,
		LoanID:     c.Param("id"),
		Amount:     amount,
		Reference:  req.Reference,
		Method:     req.Method,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// EarlyRepayment 提前结清试算
func (h *Handler) EarlyRepayment(c *gin.Context) {
	merchantID := c.GetHeader(merchantHeader)
	if merchantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing merchant identity"})
		return
	}

	quote, err := h.queries.EarlyRepayment(c.Request.Context(), merchantID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// ListLedger 查询贷款流水
func (h *Handler) ListLedger(c *gin.Context) {
	merchantID := c.GetHeader(merchantHeader)
	if merchantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing merchant identity"})
		return
	}

	entries, err := h.queries.ListLedger(c.Request.Context(), merchantID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type previewScheduleRequest struct {
	PrincipalAmount string     `json:"principal_amount" binding:"required"`
	Frequency       string     `json:"frequency" binding:"required"`
	TenorValue      int        `json:"tenor_value" binding:"required"`
	TenorUnit       string     `json:"tenor_unit" binding:"required"`
	InterestRate    string     `json:"interest_rate" binding:"required"`
	PenaltyRate     string     `json:"penalty_rate"`
	StartDate       *time.Time `json:"start_date"`
}

// PreviewSchedule 分期计划试算
func (h *Handler) PreviewSchedule(c *gin.Context) {
	var req previewScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	principal, err := decimal.NewFromString(req.PrincipalAmount)
	if err != nil || !principal.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid principal_amount"})
		return
	}
	rate, err := decimal.NewFromString(req.InterestRate)
	if err != nil || rate.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interest_rate"})
		return
	}
	penalty := decimal.Zero
	if req.PenaltyRate != "" {
		penalty, err = decimal.NewFromString(req.PenaltyRate)
		if err != nil || penalty.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid penalty_rate"})
			return
		}
	}

	preview, err := h.queries.PreviewSchedule(c.Request.Context(), application.PreviewScheduleQuery{
		Principal:    principal,
		Frequency:    domain.PaymentFrequency(req.Frequency),
		Tenor:        domain.Tenor{Value: req.TenorValue, Unit: domain.TenorUnit(req.TenorUnit)},
		InterestRate: rate,
		PenaltyRate:  penalty,
		StartDate:    req.StartDate,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

type adminUpdateRequest struct {
	Status   *string `json:"status"`
	Notes    *string `json:"notes"`
	Metadata *string `json:"metadata"`
}

// AdminUpdateLoan 管理员直改贷款字段
func (h *Handler) AdminUpdateLoan(c *gin.Context) {
	var req adminUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd := application.AdminUpdateCommand{
		LoanID:   c.Param("id"),
		Notes:    req.Notes,
		Metadata: req.Metadata,
	}
	if req.Status != nil {
		status := domain.LoanStatus(*req.Status)
		switch status {
		case domain.LoanStatusPending, domain.LoanStatusActive, domain.LoanStatusCompleted,
			domain.LoanStatusDefaulted, domain.LoanStatusCancelled:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		cmd.Status = &status
	}

	loan, err := h.commands.AdminUpdateLoan(c.Request.Context(), cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

// OverdueSweep 手动触发逾期扫描，与定时任务共用同一实现
func (h *Handler) OverdueSweep(c *gin.Context) {
	count, err := h.commands.MarkOverdueInstallments(c.Request.Context(), time.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": count})
}

// respondError 把领域错误映射为 HTTP 状态码
func respondError(c *gin.Context, err error) {
	var status int
	switch {
	case errors.Is(err, domain.ErrLoanNotFound), errors.Is(err, domain.ErrInstallmentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAmountMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrDuplicateReference):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrInstallmentAlreadyPaid),
		errors.Is(err, domain.ErrLoanAlreadyCompleted),
		errors.Is(err, domain.ErrLoanCancelled):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
