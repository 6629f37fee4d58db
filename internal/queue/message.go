// Package queue は生成ジョブをブローカーのキューへ投入するパブリッシャーを提供します。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message はワーカーへ渡すジョブ記述子です。
type Message struct {
	ID             string `json:"id"`
	Prompt         string `json:"prompt"`
	Voice          string `json:"voice,omitempty"`
	BackgroundType string `json:"backgroundType,omitempty"`
}

// Encode はメッセージを JSON にします。
func (m Message) Encode() ([]byte, error) {
	if strings.TrimSpace(m.ID) == "" {
		return nil, errors.New("message id is required")
	}
	return json.Marshal(m)
}

// Publisher はメッセージを永続キューへ届けます。
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

var (
	// ErrPublish はすべての投入失敗が一致するエラーです。
	ErrPublish = errors.New("queue: publish failed")
	// ErrNotConnected は再接続中などブローカーに接続していない状態を表します。
	ErrNotConnected = errors.New("queue: broker not connected")
	// ErrClosed は Close 済みのパブリッシャーを使った場合のエラーです。
	ErrClosed = errors.New("queue: publisher closed")
	// ErrNacked はブローカーが publisher confirm で受け取りを拒否した場合のエラーです。
	ErrNacked = errors.New("queue: broker nacked message")
)

// PublishError は投入失敗の詳細です。Transient が true の場合は再試行で成功し得ます。
type PublishError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *PublishError) Error() string {
	kind := "definitive"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("queue: %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Is は ErrPublish との比較を常に真にします。
func (e *PublishError) Is(target error) bool {
	return target == ErrPublish
}

// IsTransient は err が再試行可能な投入失敗かどうかを返します。
func IsTransient(err error) bool {
	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		return pubErr.Transient
	}
	return false
}

func transient(op string, err error) error {
	return &PublishError{Op: op, Transient: true, Err: err}
}

func definitive(op string, err error) error {
	return &PublishError{Op: op, Transient: false, Err: err}
}
