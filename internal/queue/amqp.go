package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/yourusername/content-droid/internal/backoff"
)

// AMQPConfig は RabbitMQ への接続設定です。
type AMQPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	VHost     string
	QueueName string

	// ConfirmTimeout は publisher confirm を待つ上限です。
	ConfirmTimeout time.Duration
	// ReconnectInitial / ReconnectMax は再接続間隔の下限と上限です。
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// URL は資格情報を含む接続 URL を返します。vhost は DialConfig 側で指定します。
func (c AMQPConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
	}
	return u.String()
}

// Connection はプロセス全体で共有する RabbitMQ 接続とチャネルを所有します。
// 起動時に一度だけ接続し、切断を検知するとバックグラウンドで再接続します。
// チャネルはスレッドセーフではないため、利用はミューテックスで直列化します。
type Connection struct {
	cfg    AMQPConfig
	logger zerolog.Logger
	retry  backoff.Strategy

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// DialAMQP はブローカーへ接続し、キューを宣言して再接続監視を開始します。
func DialAMQP(ctx context.Context, cfg AMQPConfig, logger zerolog.Logger) (*Connection, error) {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}

	c := &Connection{
		cfg:    cfg,
		logger: logger.With().Str("component", "amqp").Str("queue", cfg.QueueName).Logger(),
		retry:  backoff.NewExponential(cfg.ReconnectInitial, cfg.ReconnectMax),
		done:   make(chan struct{}),
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, ch, err := c.open()
	if err != nil {
		return nil, err
	}
	c.attach(conn, ch)
	return c, nil
}

// open は接続・チャネル作成・キュー宣言・confirm モード有効化を行います。
func (c *Connection) open() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(c.cfg.URL(), amqp.Config{
		Vhost:     c.cfg.VHost,
		Heartbeat: 10 * time.Second,
		Properties: amqp.Table{
			"connection_name": "content-droid-api",
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	// durable / 非 auto-delete / 非 exclusive
	if _, err := ch.QueueDeclare(c.cfg.QueueName, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", c.cfg.QueueName, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return conn, ch, nil
}

// attach は新しい接続を登録し、切断監視ゴルーチンを起動します。
func (c *Connection) attach(conn *amqp.Connection, ch *amqp.Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()

	c.wg.Add(1)
	go c.watch(connClosed, chClosed)
}

func (c *Connection) watch(connClosed, chClosed <-chan *amqp.Error) {
	defer c.wg.Done()

	var reason *amqp.Error
	select {
	case <-c.done:
		return
	case reason = <-connClosed:
	case reason = <-chClosed:
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	oldConn := c.conn
	c.conn = nil
	c.ch = nil
	c.mu.Unlock()
	if oldConn != nil && !oldConn.IsClosed() {
		_ = oldConn.Close()
	}

	c.logger.Warn().Interface("reason", reason).Msg("rabbitmq connection lost, reconnecting")
	c.reconnect()
}

// reconnect は Close されるまで接続を試み続けます。
func (c *Connection) reconnect() {
	for attempt := 1; ; attempt++ {
		wait := c.retry.Delay(attempt)
		select {
		case <-c.done:
			return
		case <-time.After(wait):
		}

		conn, ch, err := c.open()
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("rabbitmq reconnect failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.mu.Unlock()

		c.attach(conn, ch)
		c.logger.Info().Int("attempt", attempt).Msg("rabbitmq connection restored")
		return
	}
}

// Connected は現在ブローカーに接続しているかどうかを返します。
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil && !c.closed
}

// Publish は既定エクスチェンジ経由でキューへ永続メッセージを送り、confirm を待ちます。
// 接続がない場合は待たずに一時的な失敗として返します。
func (c *Connection) Publish(ctx context.Context, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return definitive("amqp publish", ErrClosed)
	}
	if c.ch == nil {
		return transient("amqp publish", ErrNotConnected)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	confirm, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", c.cfg.QueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return transient("amqp publish", err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return transient("amqp confirm", err)
	}
	if !acked {
		return transient("amqp confirm", ErrNacked)
	}
	return nil
}

// Close は再接続を止め、チャネルと接続を解放します。
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	ch := c.ch
	c.conn = nil
	c.ch = nil
	c.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	return errors.Join(errs...)
}

// AMQPPublisher は Connection を使って Message を投入します。
type AMQPPublisher struct {
	conn *Connection
}

var _ Publisher = (*AMQPPublisher)(nil)

// NewAMQPPublisher は Connection を受け取ってパブリッシャーを作ります。接続の所有権も移ります。
func NewAMQPPublisher(conn *Connection) *AMQPPublisher {
	return &AMQPPublisher{conn: conn}
}

// Publish はメッセージをエンコードしてキューへ送ります。
func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return definitive("encode message", err)
	}
	return p.conn.Publish(ctx, body)
}

// Close は接続を閉じます。
func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}
