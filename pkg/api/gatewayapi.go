package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GatewayAPI exposes the gateway's submit endpoint to other services. The
// chat server uses the in-process Submitter directly; this surface exists
// for deployments where the front end runs in a separate process.
type GatewayAPI struct {
	submitter Submitter
	logger    *slog.Logger
}

func NewGatewayAPI(submitter Submitter) *GatewayAPI {
	return &GatewayAPI{
		submitter: submitter,
		logger:    slog.Default().With("component", "gateway_api"),
	}
}

func (g *GatewayAPI) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/submit", g.handleSubmit)
	return r
}

type submitRequest struct {
	Text      string `json:"text" binding:"required"`
	RequestID string `json:"request_id"`
}

// handleSubmit enqueues the query and acknowledges immediately; the answer
// arrives later through the chat server's result callback.
func (g *GatewayAPI) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	requestID, err := g.submitter.Submit(c.Request.Context(), req.Text, req.RequestID)
	if err != nil {
		g.logger.Error("Submit failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "intake queue full"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "request_id": requestID})
}
