package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/speakerdesk/contract-engine/internal/models"
	"github.com/speakerdesk/contract-engine/internal/services"
)

// SigningHandler is the public surface. It never checks admin identity;
// the signing token is the only credential.
type SigningHandler struct {
	signing *services.SigningService
}

func NewSigningHandler(signing *services.SigningService) *SigningHandler {
	return &SigningHandler{signing: signing}
}

// GetSigningContext returns what the signing page renders
func (h *SigningHandler) GetSigningContext(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	sc, err := h.signing.SigningContext(c.Request.Context(), id, c.Query("token"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sc)
}

type SignRequest struct {
	Token       string `json:"token" binding:"required"`
	SignerName  string `json:"signerName" binding:"required"`
	SignerTitle string `json:"signerTitle"`
	SignerType  string `json:"signerType" binding:"required"`
}

// Sign records a signature for the party the token belongs to
func (h *SigningHandler) Sign(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req SignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.signing.Sign(c.Request.Context(), services.SignInput{
		ContractID:  id,
		Token:       req.Token,
		SignerType:  models.SignerType(req.SignerType),
		SignerName:  req.SignerName,
		SignerTitle: req.SignerTitle,
		IP:          c.ClientIP(),
		UserAgent:   c.GetHeader("User-Agent"),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"isFullyExecuted": result.Contract.Status == models.ContractStatusFullyExecuted,
		"signatureId":     result.Signature.ID,
	})
}
