package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"lumatalk-server/internal/domain/transcript"
	platformerrors "lumatalk-server/internal/platform/errors"
)

// APIResponse 定义统一的接口返回结构体
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Message string      `json:"message"`
	Code    int         `json:"code"`
}

// RespondSuccess 返回成功响应
func RespondSuccess(c *gin.Context, httpStatus int, data interface{}, message string) {
	if message == "" {
		message = "ok"
	}

	c.JSON(httpStatus, APIResponse{
		Success: true,
		Message: message,
		Code:    httpStatus,
		Data:    data,
	})
}

// RespondError 返回失败响应
func RespondError(c *gin.Context, httpStatus int, message string, data interface{}) {
	c.JSON(httpStatus, APIResponse{
		Success: false,
		Message: message,
		Code:    httpStatus,
		Data:    data,
	})
}

// respondStoreError maps store failures onto status codes and aborts the request.
func respondStoreError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, transcript.ErrNotFound):
		status = http.StatusNotFound
	case platformerrors.IsKind(err, platformerrors.KindDomain):
		status = http.StatusBadRequest
	}
	_ = c.Error(platformerrors.Wrap(platformerrors.KindStorage, op, "store request failed", err))
	RespondError(c, status, err.Error(), nil)
	c.Abort()
}
