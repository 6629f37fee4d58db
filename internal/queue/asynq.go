package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeGenerate は生成ジョブの asynq タスク種別です。
const TaskTypeGenerate = "video:generate"

// AsynqPublisher は Redis ベースの asynq キューへメッセージを投入します。
type AsynqPublisher struct {
	client    taskEnqueuer
	inspector taskInspector
	queueName string
	timeout   time.Duration
}

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

var _ Publisher = (*AsynqPublisher)(nil)

// NewAsynqPublisher は asynq クライアントを作成します。
func NewAsynqPublisher(opt asynq.RedisConnOpt, queueName string, timeout time.Duration) *AsynqPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AsynqPublisher{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queueName: queueName,
		timeout:   timeout,
	}
}

// NewGenerateTask はメッセージから asynq タスクを組み立てます。
// タスクIDにジョブIDを使うため、同じジョブを再投入しても二重には積まれません。
func NewGenerateTask(msg Message, queueName string) (*asynq.Task, error) {
	body, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(
		TaskTypeGenerate,
		body,
		asynq.Queue(queueName),
		asynq.TaskID(msg.ID),
		// 再試行はワーカー側の責務
		asynq.MaxRetry(0),
	), nil
}

// Publish はタスクを投入します。
// 同じジョブのタスクが待機中か実行中であれば何もしません。
func (p *AsynqPublisher) Publish(ctx context.Context, msg Message) error {
	task, err := NewGenerateTask(msg, p.queueName)
	if err != nil {
		return definitive("encode message", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.client.EnqueueContext(ctx, task); err != nil {
		if isTaskConflict(err) {
			return p.requeueFinished(ctx, task, msg.ID)
		}
		return transient("asynq enqueue", err)
	}
	return nil
}

// requeueFinished は同じIDのタスクが archived や completed のまま残っていれば削除して積み直します。
// MaxRetry(0) のタスクは一度失敗すると archived に残り、IDが塞がったままになります。
func (p *AsynqPublisher) requeueFinished(ctx context.Context, task *asynq.Task, id string) error {
	info, err := p.inspector.GetTaskInfo(p.queueName, id)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
	case err != nil:
		return transient("asynq inspect task", err)
	case info.State == asynq.TaskStateArchived, info.State == asynq.TaskStateCompleted:
		if err := p.inspector.DeleteTask(p.queueName, id); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return transient("asynq delete finished task", err)
		}
	default:
		// 既にキューに載っている
		return nil
	}

	if _, err := p.client.EnqueueContext(ctx, task); err != nil && !isTaskConflict(err) {
		return transient("asynq enqueue", err)
	}
	return nil
}

func isTaskConflict(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

// Close はクライアントを閉じます。
func (p *AsynqPublisher) Close() error {
	return errors.Join(p.client.Close(), p.inspector.Close())
}
