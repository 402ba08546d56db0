package webhook

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"

	"leadflow-backend/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Handler exposes the push notification endpoints. Both endpoints
// authenticate the caller before touching any account: Google deliveries
// carry the shared token in the query string, Microsoft deliveries carry the
// per-subscription clientState.
type Handler struct {
	processor         *Processor
	verificationToken string
}

// NewHandler creates a new instance of Handler
func NewHandler(processor *Processor, verificationToken string) *Handler {
	return &Handler{
		processor:         processor,
		verificationToken: verificationToken,
	}
}

// pubsubEnvelope is the Pub/Sub push wrapper around the Gmail notification.
type pubsubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// HandleGoogle receives Gmail push notifications relayed by Pub/Sub push
// delivery. Errors after authentication still answer 200: Pub/Sub would
// otherwise redeliver a notification we have already routed to the queue.
func (h *Handler) HandleGoogle(c *gin.Context) {
	if h.verificationToken == "" || c.Query("token") != h.verificationToken {
		metrics.WebhooksReceived.WithLabelValues("google", "forbidden").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid verification token"})
		return
	}

	var envelope pubsubEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		metrics.WebhooksReceived.WithLabelValues("google", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed push envelope"})
		return
	}

	payload, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("google", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed message data"})
		return
	}

	var notification gmailNotification
	if err := json.Unmarshal(payload, &notification); err != nil || notification.EmailAddress == "" {
		metrics.WebhooksReceived.WithLabelValues("google", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed notification"})
		return
	}

	outcome := h.processor.ProcessGoogle(c.Request.Context(), notification.EmailAddress, notification.HistoryID)
	metrics.WebhooksReceived.WithLabelValues("google", outcome).Inc()
	c.Status(http.StatusOK)
}

// graphNotification is one entry of a Graph change notification batch.
type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
}

// HandleMicrosoft receives Graph change notifications. Graph validates the
// endpoint at subscription time with a validationToken query that must be
// echoed back as plain text.
func (h *Handler) HandleMicrosoft(c *gin.Context) {
	if validationToken := c.Query("validationToken"); validationToken != "" {
		log.Printf("[Webhook] Answering graph subscription validation")
		c.Data(http.StatusOK, "text/plain", []byte(validationToken))
		return
	}

	var body struct {
		Value []graphNotification `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		metrics.WebhooksReceived.WithLabelValues("microsoft", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed notification batch"})
		return
	}

	for _, notification := range body.Value {
		outcome := h.processor.ProcessMicrosoft(c.Request.Context(), notification.SubscriptionID, notification.ClientState)
		metrics.WebhooksReceived.WithLabelValues("microsoft", outcome).Inc()
	}

	// Graph expects a fast 202 regardless of per-notification outcome.
	c.Status(http.StatusAccepted)
}
