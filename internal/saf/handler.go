package saf

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler handles HTTP requests for the ticket ledger
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers ledger routes. The group must run the Identity middleware.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	sources := router.Group("/ticket-sources")
	{
		sources.POST("", h.ingestLot)
		sources.POST("/group-assign", h.groupAssign)
		sources.GET("/:id", h.getSource)
		sources.GET("/:id/tickets", h.listSourceTickets)
		sources.GET("/:id/lineage", h.getLineage)
		sources.POST("/:id/assign", h.assign)
	}

	tickets := router.Group("/tickets")
	{
		tickets.GET("/:id", h.getTicket)
		tickets.POST("/:id/accept", h.accept)
		tickets.POST("/:id/reject", h.reject)
		tickets.POST("/:id/cancel", h.cancel)
		// The UI issues credit as a GET; POST is accepted too.
		tickets.GET("/:id/credit-source", h.creditSource)
		tickets.POST("/:id/credit-source", h.creditSource)
	}

	router.GET("/snapshot", h.getSnapshot)
}

// ingestLot handles POST /api/v1/ticket-sources
func (h *Handler) ingestLot(c *gin.Context) {
	var req LotSourceRequest
	if !h.bind(c, &req) {
		return
	}

	source, err := h.service.IngestLot(c.Request.Context(), callerID(c), req)
	if err != nil {
		h.respondError(c, "ingest lot", err)
		return
	}

	c.JSON(http.StatusCreated, source)
}

// getSource handles GET /api/v1/ticket-sources/:id
func (h *Handler) getSource(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	source, err := h.service.GetSource(c.Request.Context(), callerID(c), id)
	if err != nil {
		h.respondError(c, "get ticket source", err)
		return
	}

	c.JSON(http.StatusOK, source)
}

// listSourceTickets handles GET /api/v1/ticket-sources/:id/tickets
func (h *Handler) listSourceTickets(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	tickets, err := h.service.ListSourceTickets(c.Request.Context(), callerID(c), id)
	if err != nil {
		h.respondError(c, "list source tickets", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tickets": tickets, "count": len(tickets)})
}

// getLineage handles GET /api/v1/ticket-sources/:id/lineage
func (h *Handler) getLineage(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	chain, err := h.service.Lineage(c.Request.Context(), callerID(c), id)
	if err != nil {
		h.respondError(c, "get lineage", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"lineage": chain})
}

// assign handles POST /api/v1/ticket-sources/:id/assign
func (h *Handler) assign(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req AssignRequest
	if !h.bind(c, &req) {
		return
	}

	ticket, err := h.service.Assign(c.Request.Context(), callerID(c), id, req)
	if err != nil {
		h.respondError(c, "assign ticket", err)
		return
	}

	c.JSON(http.StatusCreated, ticket)
}

// groupAssign handles POST /api/v1/ticket-sources/group-assign
func (h *Handler) groupAssign(c *gin.Context) {
	var req GroupAssignRequest
	if !h.bind(c, &req) {
		return
	}

	result, err := h.service.GroupAssign(c.Request.Context(), callerID(c), req)
	if err != nil {
		h.respondError(c, "group assign", err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// getTicket handles GET /api/v1/tickets/:id
func (h *Handler) getTicket(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	ticket, err := h.service.GetTicket(c.Request.Context(), callerID(c), id)
	if err != nil {
		h.respondError(c, "get ticket", err)
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// accept handles POST /api/v1/tickets/:id/accept
func (h *Handler) accept(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req AcceptRequest
	// Non-airline clients may send no body at all.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidInput, "message": err.Error()})
		return
	}

	ticket, err := h.service.Accept(c.Request.Context(), callerID(c), id, req)
	if err != nil {
		h.respondError(c, "accept ticket", err)
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// reject handles POST /api/v1/tickets/:id/reject
func (h *Handler) reject(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req RejectRequest
	if !h.bind(c, &req) {
		return
	}

	ticket, err := h.service.Reject(c.Request.Context(), callerID(c), id, req)
	if err != nil {
		h.respondError(c, "reject ticket", err)
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// cancel handles POST /api/v1/tickets/:id/cancel
func (h *Handler) cancel(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	if _, err := h.service.Cancel(c.Request.Context(), callerID(c), id); err != nil {
		h.respondError(c, "cancel ticket", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// creditSource handles GET|POST /api/v1/tickets/:id/credit-source
func (h *Handler) creditSource(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}

	source, err := h.service.CreditSource(c.Request.Context(), callerID(c), id)
	if err != nil {
		h.respondError(c, "credit source", err)
		return
	}

	c.JSON(http.StatusCreated, source)
}

// getSnapshot handles GET /api/v1/snapshot?entity_id=&year=
func (h *Handler) getSnapshot(c *gin.Context) {
	entityID, err := uuid.Parse(c.Query("entity_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidInput, "message": "invalid entity_id"})
		return
	}
	year, err := strconv.Atoi(c.Query("year"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidInput, "message": "invalid year"})
		return
	}

	snapshot, err := h.service.Snapshot(c.Request.Context(), callerID(c), entityID, year)
	if err != nil {
		h.respondError(c, "get snapshot", err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// =====================================================
// Helper Methods
// =====================================================

func (h *Handler) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidInput, "message": "invalid ID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": CodeInvalidInput, "message": err.Error()})
		return false
	}
	return true
}

// respondError maps ledger errors to HTTP responses.
func (h *Handler) respondError(c *gin.Context, op string, err error) {
	code := ErrorCode(err)
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": code, "message": err.Error()})
	case errors.Is(err, ErrSourceBusy):
		c.JSON(http.StatusConflict, gin.H{"error": code, "message": err.Error(), "retryable": true})
	case IsDomainError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": err.Error()})
	default:
		h.logger.Error("Failed to "+op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": CodeInternal, "message": "internal error"})
	}
}
