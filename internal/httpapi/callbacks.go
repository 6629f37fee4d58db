package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/content-droid/internal/jobs"
)

// WorkerTokenHeader はワーカーのコールバックに付与する共有トークンのヘッダー名です。
const WorkerTokenHeader = "X-Worker-Token"

// RequireWorkerToken は共有トークンが一致しないリクエストを拒否します。
func RequireWorkerToken(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(WorkerTokenHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ワーカートークンが正しくありません。",
			})
			return
		}
		c.Next()
	}
}

type progressRequest struct {
	Progress *int `json:"progress"`
}

type completeRequest struct {
	ResultLocation string `json:"resultLocation"`
}

type failRequest struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// StartCallback は POST /internal/videos/:id/start のハンドラーを返します。
func StartCallback(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		applyCallback(c, svc, jobs.Start())
	}
}

// ProgressCallback は POST /internal/videos/:id/progress のハンドラーを返します。
func ProgressCallback(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req progressRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Progress == nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_UPDATE",
				"message": "progress を 0〜100 の整数で指定してください。",
			})
			return
		}
		applyCallback(c, svc, jobs.ReportProgress(*req.Progress))
	}
}

// CompleteCallback は POST /internal/videos/:id/complete のハンドラーを返します。
func CompleteCallback(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req completeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_UPDATE",
				"message": "resultLocation を指定してください。",
			})
			return
		}
		applyCallback(c, svc, jobs.Complete(req.ResultLocation))
	}
}

// FailCallback は POST /internal/videos/:id/fail のハンドラーを返します。
func FailCallback(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req failRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_UPDATE",
				"message": "errorCode を指定してください。",
			})
			return
		}
		applyCallback(c, svc, jobs.Fail(req.ErrorCode, req.ErrorMessage))
	}
}

// applyCallback は遷移を適用し、適用後（または無視された場合は現在）のジョブを返します。
func applyCallback(c *gin.Context, svc JobService, t jobs.Transition) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}
	job, err := svc.ApplyUpdate(c.Request.Context(), jobID, t)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
