package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/speakerdesk/contract-engine/internal/apperrors"
	"github.com/speakerdesk/contract-engine/internal/middleware"
	"github.com/speakerdesk/contract-engine/internal/models"
	"github.com/speakerdesk/contract-engine/internal/services"
)

type ContractHandler struct {
	contracts    *services.ContractService
	certificates *services.CertificateService
}

func NewContractHandler(contracts *services.ContractService, certificates *services.CertificateService) *ContractHandler {
	return &ContractHandler{
		contracts:    contracts,
		certificates: certificates,
	}
}

// CreateContract stores a new draft
func (h *ContractHandler) CreateContract(c *gin.Context) {
	var req services.CreateContractInput
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	contract, err := h.contracts.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contract": contract})
}

func (h *ContractHandler) ListContracts(c *gin.Context) {
	filter := services.ListFilter{
		Status: models.ContractStatus(c.Query("status")),
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		respondError(c, err)
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		respondError(c, err)
		return
	}

	result, err := h.contracts.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *ContractHandler) GetContract(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	view, err := h.contracts.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// SendContract issues tokens and invites every required party
func (h *ContractHandler) SendContract(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	result, err := h.contracts.Send(c.Request.Context(), id, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type ResendRequest struct {
	Party string `json:"party" binding:"required"`
}

func (h *ContractHandler) ResendContract(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req ResendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.contracts.Resend(c.Request.Context(), id, models.SignerType(req.Party), actor(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

func (h *ContractHandler) CancelContract(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	// The body is optional.
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}

	contract, err := h.contracts.Cancel(c.Request.Context(), id, actor(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// DownloadCertificate returns the execution certificate PDF
func (h *ContractHandler) DownloadCertificate(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	pdf, contract, err := h.certificates.Generate(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-certificate.pdf"`, contract.ContractNumber))
	c.Data(http.StatusOK, "application/pdf", pdf)
}

func actor(c *gin.Context) string {
	email, _ := middleware.GetAdminEmail(c)
	return email
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.NewValidation(key + " must be a non-negative integer")
	}
	return n, nil
}
