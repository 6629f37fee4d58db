// Package httpapi は生成ジョブの投入・状態取得・成果物取得の HTTP API を提供します。
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/content-droid/internal/jobs"
	"github.com/yourusername/content-droid/internal/logging"
)

// JobService はハンドラーが利用するジョブ操作です。*jobs.Manager が実装します。
type JobService interface {
	Submit(ctx context.Context, params jobs.Params) (string, error)
	Status(ctx context.Context, jobID string) (*jobs.StatusSnapshot, error)
	Result(ctx context.Context, jobID string) (string, error)
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	ApplyUpdate(ctx context.Context, jobID string, t jobs.Transition) (*jobs.Job, error)
}

type generateRequest struct {
	Prompt         string `json:"prompt"`
	Voice          string `json:"voice"`
	BackgroundType string `json:"backgroundType"`
}

// GenerateHandler は POST /api/generate のハンドラーを返します。
func GenerateHandler(svc JobService, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "JSON で prompt を送信してください。",
			})
			return
		}

		id, err := svc.Submit(c.Request.Context(), jobs.Params{
			Prompt:         req.Prompt,
			Voice:          req.Voice,
			BackgroundType: req.BackgroundType,
		})
		if err != nil {
			// ジョブは作成済みだが投入に失敗した。ID は状態確認用に返す
			if id != "" && errors.Is(err, jobs.ErrEnqueueFailed) {
				logger.Error().Err(err).Str("job_id", id).Str("request_id", logging.RequestIDFrom(c)).Msg("enqueue failed")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"code":    "ENQUEUE_FAILED",
					"message": "ジョブをキューに投入できませんでした。",
					"id":      id,
				})
				return
			}
			if !errors.Is(err, jobs.ErrInvalidInput) {
				logger.Error().Err(err).Str("request_id", logging.RequestIDFrom(c)).Msg("submit failed")
			}
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"id": id})
	}
}

// StatusHandler は GET /api/status/:id のハンドラーを返します。
func StatusHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		snapshot, err := svc.Status(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, snapshot)
	}
}

// ResultHandler は GET /api/video/:id のハンドラーを返します。
func ResultHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		location, err := svc.Result(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{
			"id":             jobID,
			"resultLocation": location,
		})
	}
}

// JobHandler は GET /api/jobs/:id のハンドラーを返します。
func JobHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := jobIDParam(c)
		if !ok {
			return
		}
		job, err := svc.Get(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// jobIDParam はパスの ID を検証し、正規化した値を返します。不正な場合はレスポンスを書き込みます。
func jobIDParam(c *gin.Context) (string, bool) {
	jobID, err := jobs.ParseID(c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return "", false
	}
	return jobID, true
}
