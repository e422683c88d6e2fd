package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gudangkas/backend/internal/domain"
)

func (a *API) handleQuote(c *gin.Context) {
	var req domain.QuoteRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}
	resp, err := a.service.Quote(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleListReceipts(c *gin.Context) {
	resp, err := a.service.ListReceipts(c.Request.Context(), domain.ReceiptFilter{
		Type:   domain.ReceiptType(c.Query("type")),
		Status: domain.ReceiptStatus(c.Query("status")),
		Limit:  parsePositiveLimit(c.Query("limit"), 100, 500),
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleCreateReceipt(c *gin.Context) {
	var req domain.ReceiptCreateRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}
	if !a.allowedFor(c, req.Type) {
		return
	}
	resp, err := a.service.CreateReceipt(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a *API) handleGetReceipt(c *gin.Context) {
	resp, err := a.service.GetReceipt(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleUpdateReceipt(c *gin.Context) {
	var req domain.ReceiptUpdateRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}
	if !a.allowedForExisting(c) {
		return
	}
	resp, err := a.service.UpdateReceipt(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleDeleteReceipt(c *gin.Context) {
	if !a.allowedForExisting(c) {
		return
	}
	if err := a.service.DeleteReceipt(c.Request.Context(), c.Param("id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleTransitionReceipt(c *gin.Context) {
	var req domain.StatusChangeRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}
	resp, err := a.service.TransitionReceipt(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleAddPayment(c *gin.Context) {
	var req domain.PaymentRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}
	resp, err := a.service.AddPayment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleAttachDelivery(c *gin.Context) {
	var req domain.DeliveryAttachRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}
	resp, err := a.service.AttachDelivery(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleGetVariant(c *gin.Context) {
	variant, err := a.service.GetVariant(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, variant)
}

func (a *API) handleCashboxOpen(c *gin.Context) {
	var req domain.CashboxOpenRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}
	resp, err := a.service.OpenCashbox(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a *API) handleCashboxClose(c *gin.Context) {
	var req domain.CashboxCloseRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}
	report, err := a.service.CloseCashbox(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) handleCashboxAdjust(c *gin.Context) {
	var req domain.CashboxAdjustRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}
	movement, err := a.service.AdjustCashbox(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, movement)
}

func (a *API) handleCashboxCurrent(c *gin.Context) {
	report, err := a.service.CurrentCashbox(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) handleCashboxSessions(c *gin.Context) {
	resp, err := a.service.ListCashboxSessions(c.Request.Context(), parsePositiveLimit(c.Query("limit"), 30, 500))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleCashboxReport(c *gin.Context) {
	report, err := a.service.CashboxReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) handleCashboxMovements(c *gin.Context) {
	resp, err := a.service.ListCashMovements(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleDeliverySync(c *gin.Context) {
	result, err := a.service.SyncDeliveries(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) handleCashMovementReplay(c *gin.Context) {
	result, err := a.service.ReplayCashMovements(c.Request.Context(), parsePositiveLimit(c.Query("limit"), 100, 500))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) handleAuditLogs(c *gin.Context) {
	logs, err := a.service.ListAuditLogs(c.Request.Context(), c.Query("date"), parsePositiveLimit(c.Query("limit"), 100, 1000))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// allowedFor enforces that only admins write purchase receipts.
func (a *API) allowedFor(c *gin.Context, receiptType domain.ReceiptType) bool {
	if receiptType != domain.ReceiptTypePurchase || actorFrom(c).Role == RoleAdmin {
		return true
	}
	abortWithStatus(c, http.StatusForbidden, "forbidden", "purchase receipts require the admin role")
	return false
}

func (a *API) allowedForExisting(c *gin.Context) bool {
	if actorFrom(c).Role == RoleAdmin {
		return true
	}
	existing, err := a.service.GetReceipt(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return false
	}
	return a.allowedFor(c, existing.Receipt.Type)
}
