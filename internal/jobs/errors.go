package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidID は ID が UUID として解釈できない場合のエラーです。
	ErrInvalidID = errors.New("jobs: invalid job id")
	// ErrNotFound は指定 ID のジョブが存在しない場合のエラーです。
	ErrNotFound = errors.New("jobs: job not found")
	// ErrNotReady は完了前に成果物を要求した場合のエラーです。
	ErrNotReady = errors.New("jobs: result not ready")
	// ErrJobFailed はジョブが FAILED で終了している場合のエラーです。ErrNotReady にも一致します。
	ErrJobFailed = errors.New("jobs: job failed")
	// ErrConflict は終端状態のジョブや前提を満たさない遷移を受け取った場合のエラーです。
	ErrConflict = errors.New("jobs: transition conflicts with current status")
	// ErrInvalidTransition は遷移の内容自体が不正な場合のエラーです。
	ErrInvalidTransition = errors.New("jobs: invalid transition")
	// ErrInvalidInput は生成リクエストの入力が不正な場合のエラーです。
	ErrInvalidInput = errors.New("jobs: invalid input")
	// ErrStorage は永続化層が利用できない場合のエラーです。
	ErrStorage = errors.New("jobs: storage unavailable")
	// ErrEnqueueFailed はキュー投入に確定的に失敗し、ジョブを FAILED にした場合のエラーです。
	ErrEnqueueFailed = errors.New("jobs: enqueue failed")
)

// NotReadyError は成果物がまだ取得できない理由を保持します。
type NotReadyError struct {
	Status       Status
	ErrorCode    string
	ErrorMessage string
}

func (e *NotReadyError) Error() string {
	if e.Status == StatusFailed {
		return fmt.Sprintf("job failed (%s): %s", e.ErrorCode, e.ErrorMessage)
	}
	return fmt.Sprintf("job is %s, result not ready yet", e.Status)
}

// Is は FAILED の場合 ErrJobFailed と ErrNotReady の両方に、それ以外は ErrNotReady に一致させます。
func (e *NotReadyError) Is(target error) bool {
	switch target {
	case ErrNotReady:
		return true
	case ErrJobFailed:
		return e.Status == StatusFailed
	}
	return false
}

// StorageError は永続化層の失敗を ErrStorage でくるみます。
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
