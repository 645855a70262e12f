package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ndthuan/coursepay/internal/purchase"
)

// Handler exposes settlement operations over HTTP. These endpoints are
// the webhook surface the course platform calls when a purchase
// completes or an allocation is approved; every one of them is safe to
// retry.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up settlement routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/settlements/purchases/:purchaseId/credit", h.CreditPurchase)
	r.POST("/settlements/purchases/:purchaseId/release", h.ReleaseCourseFee)
	r.POST("/settlements/allocations/:allocationId/release", h.ReleaseGradingFee)
}

// CreditPurchase handles POST /settlements/purchases/:purchaseId/credit
func (h *Handler) CreditPurchase(c *gin.Context) {
	result, err := h.service.CreditOnPurchase(c.Request.Context(), c.Param("purchaseId"))
	h.render(c, result, err)
}

// ReleaseCourseFee handles POST /settlements/purchases/:purchaseId/release
func (h *Handler) ReleaseCourseFee(c *gin.Context) {
	result, err := h.service.ReleaseCourseCreationFee(c.Request.Context(), c.Param("purchaseId"))
	h.render(c, result, err)
}

// ReleaseGradingFee handles POST /settlements/allocations/:allocationId/release
func (h *Handler) ReleaseGradingFee(c *gin.Context) {
	result, err := h.service.ReleaseGradingFee(c.Request.Context(), c.Param("allocationId"))
	h.render(c, result, err)
}

func (h *Handler) render(c *gin.Context, result *Result, err error) {
	if err != nil {
		switch {
		case errors.Is(err, purchase.ErrPurchaseNotFound), errors.Is(err, purchase.ErrAllocationNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": err.Error(),
			})
		case errors.Is(err, ErrInvalidState):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "settlement_error",
				"message": "Settlement failed",
			})
		}
		return
	}

	status := http.StatusOK
	if result.Outcome == OutcomeBlocked {
		// A pending refund request defers the payout. The caller can
		// retry after the dispute resolves; the scheduler will anyway.
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"result": result})
}
