package delivery

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"leadflow-backend/internal/crypto"
	"leadflow-backend/internal/sync/usecase"

	"github.com/gin-gonic/gin"
)

// SyncHandler serves the synced mailbox data: thread listings, decrypted
// thread detail and calendar views.
type SyncHandler struct {
	reader usecase.ReadUsecase
}

// NewSyncHandler creates a new instance of SyncHandler
func NewSyncHandler(reader usecase.ReadUsecase) *SyncHandler {
	return &SyncHandler{
		reader: reader,
	}
}

// ListThreads returns thread metadata ordered by latest activity. No
// decryption happens here: listings only touch plaintext columns.
func (h *SyncHandler) ListThreads(c *gin.Context) {
	tenantID := c.GetString("tenantID")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	threads, err := h.reader.ListThreads(tenantID, limit, offset)
	if err != nil {
		log.Printf("[SyncHandler] Unable to list threads for tenant %s: %v", tenantID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to list threads"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

// GetThread returns one thread with its messages decrypted.
func (h *SyncHandler) GetThread(c *gin.Context) {
	tenantID := c.GetString("tenantID")

	view, err := h.reader.ThreadDetail(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, usecase.ErrThreadNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		case errors.Is(err, crypto.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "encryption service unavailable"})
		case errors.Is(err, crypto.ErrCorrupt):
			log.Printf("[SyncHandler] Corrupt ciphertext in thread %s: %v", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stored data unreadable"})
		default:
			log.Printf("[SyncHandler] Unable to load thread %s: %v", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to load thread"})
		}
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListEvents returns decrypted calendar events in a time range. Defaults to
// the next 30 days.
func (h *SyncHandler) ListEvents(c *gin.Context) {
	tenantID := c.GetString("tenantID")

	from := time.Now()
	to := from.Add(30 * 24 * time.Hour)
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		to = parsed
	}

	events, err := h.reader.ListEvents(c.Request.Context(), tenantID, from, to)
	if err != nil {
		if errors.Is(err, crypto.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "encryption service unavailable"})
			return
		}
		log.Printf("[SyncHandler] Unable to list events for tenant %s: %v", tenantID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
