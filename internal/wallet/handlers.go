package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints over the wallet ledger.
// Settlements are not exposed here; they run through the settlement
// service and the payout scheduler.
type Handler struct {
	store Store
}

// NewHandler creates a new wallet handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up wallet routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets", h.ListWallets)
	r.GET("/wallets/platform", h.GetPlatformWallet)
	r.GET("/wallets/teachers/:teacherId", h.GetTeacherWallet)
	r.GET("/wallets/:id", h.GetWallet)
	r.GET("/wallets/:id/transactions", h.ListTransactions)
	r.GET("/transactions", h.ListByReference)
}

// ListWallets handles GET /wallets
func (h *Handler) ListWallets(c *gin.Context) {
	wallets, err := h.store.ListWallets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to list wallets",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallets": wallets,
		"count":   len(wallets),
	})
}

// GetPlatformWallet handles GET /wallets/platform?currency=VND
func (h *Handler) GetPlatformWallet(c *gin.Context) {
	currency := c.Query("currency")
	if currency == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_currency",
			"message": "currency query parameter is required",
		})
		return
	}

	h.renderWallet(c, Platform(currency))
}

// GetTeacherWallet handles GET /wallets/teachers/:teacherId?currency=VND
func (h *Handler) GetTeacherWallet(c *gin.Context) {
	currency := c.Query("currency")
	if currency == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_currency",
			"message": "currency query parameter is required",
		})
		return
	}

	h.renderWallet(c, Teacher(c.Param("teacherId"), currency))
}

func (h *Handler) renderWallet(c *gin.Context, ref OwnerRef) {
	w, err := h.store.GetWallet(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "wallet_not_found",
				"message": "No wallet exists for this owner yet",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetWallet handles GET /wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.store.GetWalletByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "wallet_not_found",
				"message": "Wallet not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /wallets/:id/transactions?limit=
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	txns, err := h.store.ListTransactions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve transactions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// ListByReference handles GET /transactions?reference=&kind=
func (h *Handler) ListByReference(c *gin.Context) {
	refID := c.Query("reference")
	if refID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_reference",
			"message": "reference query parameter is required",
		})
		return
	}

	kind := ReferenceKind(c.Query("kind"))
	switch kind {
	case RefCoursePurchase, RefCourseCreationFee, RefGradingFee, RefTeacherPayout:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_kind",
			"message": "kind must be one of course_purchase, course_creation_fee, grading_fee, teacher_payout",
		})
		return
	}

	txns, err := h.store.ListTransactionsByReference(c.Request.Context(), refID, kind)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve transactions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}
