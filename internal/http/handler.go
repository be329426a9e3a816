package http

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"plate-pipeline/internal/domain/plate"
	"plate-pipeline/internal/service"
)

// signatureHeader carries the camera platform's shared webhook secret.
const signatureHeader = "X-Webhook-Signature"

type Handler struct {
	pipeline *service.Pipeline
	secret   string
	log      zerolog.Logger
}

func NewHandler(pipeline *service.Pipeline, secret string, log zerolog.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		secret:   secret,
		log:      log,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)

	api := r.Group("/api/v1")
	api.Use(h.verifySignature())
	{
		api.POST("/webhook", h.receiveWebhook)
	}
}

// receiveWebhook ingests one detection event. Unrecognized or malformed
// payloads are acknowledged with 2xx so the platform stops retrying them;
// only a persistence failure returns non-2xx, which triggers the
// platform's own delivery retry. Retries are safe: the dedup gate
// collapses them.
func (h *Handler) receiveWebhook(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("empty request body"))
		return
	}

	result, err := h.pipeline.ProcessPayload(c.Request.Context(), raw, plate.ProcessedByWebhook)
	if err != nil {
		if service.Skippable(err) {
			h.log.Warn().Err(err).Msg("skipping unprocessable webhook payload")
			c.JSON(http.StatusOK, gin.H{
				"status": "skipped",
				"reason": err.Error(),
			})
			return
		}
		h.log.Error().Err(err).Msg("webhook processing failed")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"result": result,
	})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// verifySignature checks the shared-secret header when one is configured.
func (h *Handler) verifySignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(signatureHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.log.Warn().Str("remote", c.ClientIP()).Msg("rejected webhook with invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("invalid signature"))
			return
		}
		c.Next()
	}
}

func errorResponse(message string) gin.H {
	return gin.H{"error": message}
}
