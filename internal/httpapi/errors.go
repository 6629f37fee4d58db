package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/content-droid/internal/jobs"
)

// respondWithError はジョブ層のエラーを API のエラーコードに対応付けて返します。
func respondWithError(c *gin.Context, err error) {
	var notReady *jobs.NotReadyError
	switch {
	case errors.Is(err, jobs.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "prompt を指定してください。",
		})
	case errors.Is(err, jobs.ErrInvalidID):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_ID",
			"message": "ジョブIDの形式が正しくありません。",
		})
	case errors.Is(err, jobs.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_UPDATE",
			"message": err.Error(),
		})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.As(err, &notReady):
		if notReady.Status == jobs.StatusFailed {
			c.JSON(http.StatusConflict, gin.H{
				"code":         "JOB_FAILED",
				"message":      "ジョブは失敗しました。",
				"status":       notReady.Status,
				"errorCode":    notReady.ErrorCode,
				"errorMessage": notReady.ErrorMessage,
			})
			return
		}
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_NOT_READY",
			"message": "ジョブはまだ完了していません。",
			"status":  notReady.Status,
		})
	case errors.Is(err, jobs.ErrStorage):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "STORAGE_UNAVAILABLE",
			"message": "ジョブストアに接続できません。時間をおいて再度お試しください。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
