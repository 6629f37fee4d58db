package jobs

import "time"

// Status は動画生成ジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusComplete   Status = "COMPLETE"
	StatusFailed     Status = "FAILED"
)

// Terminal は COMPLETE / FAILED のように以後の遷移を受け付けない状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid は既知の状態値かどうかを返します。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// ErrorCodeEnqueueFailed はキュー投入に確定的に失敗したジョブに付与するエラーコードです。
const ErrorCodeEnqueueFailed = "ENQUEUE_FAILED"

// maxErrorMessageLen は保存するエラーメッセージの最大長（rune 数）です。
const maxErrorMessageLen = 2000

// Params は生成リクエストの入力パラメータです。作成後は変更されません。
type Params struct {
	Prompt         string `json:"prompt"`
	Voice          string `json:"voice,omitempty"`
	BackgroundType string `json:"backgroundType,omitempty"`
}

// Job は1件の生成リクエストとそのライフサイクルを表します。
type Job struct {
	ID             string     `json:"id"`
	Prompt         string     `json:"prompt"`
	Voice          string     `json:"voice,omitempty"`
	BackgroundType string     `json:"backgroundType,omitempty"`
	Status         Status     `json:"status"`
	Progress       *int       `json:"progress,omitempty"`
	ResultLocation string     `json:"resultLocation,omitempty"`
	ErrorCode      string     `json:"errorCode,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Params はジョブの入力パラメータを返します。
func (j *Job) Params() Params {
	return Params{
		Prompt:         j.Prompt,
		Voice:          j.Voice,
		BackgroundType: j.BackgroundType,
	}
}

// Clone はポインタフィールドを含めたコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Progress != nil {
		p := *j.Progress
		out.Progress = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// NewPending は PENDING 状態の新しいジョブを組み立てます。ID の採番は呼び出し側の責務です。
func NewPending(id string, params Params, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:             id,
		Prompt:         params.Prompt,
		Voice:          params.Voice,
		BackgroundType: params.BackgroundType,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// StatusSnapshot は状態問い合わせの応答です。
type StatusSnapshot struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	Progress     *int      `json:"progress,omitempty"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Snapshot はジョブから状態スナップショットを作ります。
func (j *Job) Snapshot() *StatusSnapshot {
	snap := &StatusSnapshot{
		ID:        j.ID,
		Status:    j.Status,
		UpdatedAt: j.UpdatedAt,
	}
	switch j.Status {
	case StatusInProgress:
		if j.Progress != nil {
			p := *j.Progress
			snap.Progress = &p
		}
	case StatusFailed:
		snap.ErrorCode = j.ErrorCode
		snap.ErrorMessage = j.ErrorMessage
	}
	return snap
}
