package dialer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"dispatch-engine/internal/apperr"
	"dispatch-engine/pkg/logger"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, body)), optionally
// prefixed with "sha256=".
const SignatureHeader = "X-Dialer-Signature"

const maxWebhookBody = 1 << 20

// WebhookHandler receives call-completed callbacks from the dialer.
//
// No business logic here: the body is verified, decoded and handed to
// Apply.
type WebhookHandler struct {
	Apply OutcomeFunc

	// Secret enables signature verification when set.
	Secret string
}

func (h WebhookHandler) HandleCallCompleted(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Apply == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "outcome handler not configured"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if h.Secret != "" && !VerifySignature(h.Secret, raw, c.GetHeader(SignatureHeader)) {
		log.Warn("dialer webhook signature mismatch")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	rec, err := DecodeOutcome(raw)
	if err != nil {
		log.Warn("dialer webhook decode failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.Apply(c.Request.Context(), rec); err != nil {
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown queue item"})
		case errors.Is(err, apperr.ErrInvalidArgument):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			log.Error("call outcome failed", "queue_item_id", rec.QueueItemID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "outcome failed"})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "queue_item_id": rec.QueueItemID})
}

// Sign returns the signature the dialer is expected to send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret string, body []byte, header string) bool {
	got := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if got == "" {
		return false
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(sig, want)
}
