package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/speakerdesk/contract-engine/internal/apperrors"
)

// respondError is the single mapping from service errors to HTTP. Internal
// errors are recorded on the context for the request logger and masked.
func respondError(c *gin.Context, err error) {
	if apperrors.KindOf(err) == apperrors.KindInternal {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(apperrors.HTTPStatus(err), gin.H{
		"error": apperrors.PublicMessage(err),
		"code":  apperrors.CodeOf(err),
	})
}

func bindError(c *gin.Context, err error) {
	respondError(c, apperrors.NewValidation(err.Error()))
}

// parseID reads a positive numeric path parameter.
func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		respondError(c, apperrors.NewNotFound("contract not found"))
		return 0, false
	}
	return uint(id), true
}
