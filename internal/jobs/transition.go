package jobs

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// TransitionKind はワーカーから届く状態更新の種別です。
type TransitionKind string

const (
	TransitionStart    TransitionKind = "start"
	TransitionProgress TransitionKind = "progress"
	TransitionComplete TransitionKind = "complete"
	TransitionFail     TransitionKind = "fail"
	// TransitionRequeue は再投入の記録として updatedAt だけを進める内部用の遷移です。
	TransitionRequeue TransitionKind = "requeue"
	// TransitionAbandon は PENDING のまま受け取られなかったジョブを失敗にする内部用の遷移です。
	// ワーカーが先に処理を始めていれば ErrConflict になります。
	TransitionAbandon TransitionKind = "abandon"
)

// FromWorker はワーカーが報告してよい種別かどうかを返します。
func (k TransitionKind) FromWorker() bool {
	switch k {
	case TransitionStart, TransitionProgress, TransitionComplete, TransitionFail:
		return true
	}
	return false
}

// Transition はジョブに適用する状態遷移です。
type Transition struct {
	Kind           TransitionKind `json:"kind"`
	Progress       int            `json:"progress,omitempty"`
	ResultLocation string         `json:"resultLocation,omitempty"`
	ErrorCode      string         `json:"errorCode,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
}

// Start は処理開始の遷移を返します。
func Start() Transition { return Transition{Kind: TransitionStart} }

// ReportProgress は進捗更新の遷移を返します。
func ReportProgress(percent int) Transition {
	return Transition{Kind: TransitionProgress, Progress: percent}
}

// Complete は完了の遷移を返します。
func Complete(resultLocation string) Transition {
	return Transition{Kind: TransitionComplete, ResultLocation: resultLocation}
}

// Fail は失敗の遷移を返します。
func Fail(code, message string) Transition {
	return Transition{Kind: TransitionFail, ErrorCode: code, ErrorMessage: message}
}

func abandon(code, message string) Transition {
	return Transition{Kind: TransitionAbandon, ErrorCode: code, ErrorMessage: message}
}

// Validate は現在の状態に依存しない入力チェックを行います。
func (t Transition) Validate() error {
	switch t.Kind {
	case TransitionStart, TransitionRequeue:
		return nil
	case TransitionProgress:
		if t.Progress < 0 || t.Progress > 100 {
			return fmt.Errorf("%w: progress must be within 0-100, got %d", ErrInvalidTransition, t.Progress)
		}
		return nil
	case TransitionComplete:
		if strings.TrimSpace(t.ResultLocation) == "" {
			return fmt.Errorf("%w: resultLocation is required", ErrInvalidTransition)
		}
		return nil
	case TransitionFail, TransitionAbandon:
		if strings.TrimSpace(t.ErrorCode) == "" {
			return fmt.Errorf("%w: errorCode is required", ErrInvalidTransition)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTransition, t.Kind)
	}
}

// allowedFrom は遷移ごとの前提状態です。
var allowedFrom = map[TransitionKind][]Status{
	TransitionStart:    {StatusPending},
	TransitionProgress: {StatusInProgress},
	TransitionComplete: {StatusPending, StatusInProgress},
	TransitionFail:     {StatusPending, StatusInProgress},
	TransitionRequeue:  {StatusPending},
	TransitionAbandon:  {StatusPending},
}

// Apply は遷移を適用した新しいジョブを返します。引数のジョブは変更しません。
// 終端状態のジョブや前提を満たさない遷移には ErrConflict を返します。
func Apply(current *Job, t Transition, now time.Time) (*Job, error) {
	if current == nil {
		return nil, ErrNotFound
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is already %s", ErrConflict, current.ID, current.Status)
	}
	if !statusIn(current.Status, allowedFrom[t.Kind]) {
		return nil, fmt.Errorf("%w: cannot %s job %s in status %s", ErrConflict, t.Kind, current.ID, current.Status)
	}

	next := current.Clone()
	now = now.UTC()
	// updatedAt は時計が戻っても減らさない
	if now.Before(next.UpdatedAt) {
		now = next.UpdatedAt
	}

	switch t.Kind {
	case TransitionStart:
		next.Status = StatusInProgress
		next.Progress = intPtr(0)
		if next.StartedAt == nil {
			next.StartedAt = timePtr(now)
		}
	case TransitionProgress:
		next.Progress = intPtr(t.Progress)
	case TransitionComplete:
		next.Status = StatusComplete
		next.Progress = intPtr(100)
		next.ResultLocation = strings.TrimSpace(t.ResultLocation)
		if next.StartedAt == nil {
			next.StartedAt = timePtr(now)
		}
		next.CompletedAt = timePtr(now)
		next.ErrorCode = ""
		next.ErrorMessage = ""
	case TransitionFail, TransitionAbandon:
		next.Status = StatusFailed
		next.Progress = nil
		next.ResultLocation = ""
		next.ErrorCode = strings.TrimSpace(t.ErrorCode)
		next.ErrorMessage = truncateRunes(strings.TrimSpace(t.ErrorMessage), maxErrorMessageLen)
		if next.ErrorMessage == "" {
			next.ErrorMessage = next.ErrorCode
		}
		next.CompletedAt = timePtr(now)
	}
	next.UpdatedAt = now
	return next, nil
}

// CheckInvariants は状態と付随フィールドの整合性を検査します。
func CheckInvariants(j *Job) error {
	if j == nil {
		return fmt.Errorf("job is nil")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("unknown status %q", j.Status)
	}
	if (j.ResultLocation != "") != (j.Status == StatusComplete) {
		return fmt.Errorf("resultLocation present=%t with status %s", j.ResultLocation != "", j.Status)
	}
	if (j.ErrorCode != "") != (j.Status == StatusFailed) {
		return fmt.Errorf("errorCode present=%t with status %s", j.ErrorCode != "", j.Status)
	}
	if j.Status != StatusFailed && j.ErrorMessage != "" {
		return fmt.Errorf("errorMessage present with status %s", j.Status)
	}
	if j.Status.Terminal() != (j.CompletedAt != nil) {
		return fmt.Errorf("completedAt present=%t with status %s", j.CompletedAt != nil, j.Status)
	}
	if j.Status == StatusPending && j.StartedAt != nil {
		return fmt.Errorf("startedAt set on pending job")
	}
	if j.UpdatedAt.Before(j.CreatedAt) {
		return fmt.Errorf("updatedAt %s before createdAt %s", j.UpdatedAt, j.CreatedAt)
	}
	return nil
}

func statusIn(s Status, list []Status) bool {
	for _, v := range list {
		if s == v {
			return true
		}
	}
	return false
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }
