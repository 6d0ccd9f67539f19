package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNoChannel — соединение потеряно и ещё не восстановлено.
	ErrNoChannel = errors.New("amqp channel not available")

	// ErrNotConfirmed — брокер ответил nack на публикацию.
	ErrNotConfirmed = errors.New("publish not confirmed by broker")
)

const (
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
)

// Connection держит соединение с RabbitMQ и восстанавливает его после
// обрыва.
//
// Для публикации открыт один канал в режиме подтверждений; amqp091 не
// допускает конкурентной публикации в канал, поэтому доступ к нему идёт
// под pubMu. Consumer'ы берут собственные каналы через Channel и узнают о
// переподключении через ReconnectNotify.
type Connection struct {
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	pub     *amqp.Channel
	stopped bool
	done    chan struct{}

	pubMu sync.Mutex

	listenersMu sync.Mutex
	listeners   []chan struct{}
}

func NewConnection(url string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		url:    url,
		logger: logger.With("component", "amqp"),
		done:   make(chan struct{}),
	}
	if err := c.dial(); err != nil {
		return nil, err
	}
	go c.supervise()
	return c, nil
}

// dial открывает соединение и канал публикации с подтверждениями.
func (c *Connection) dial() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := conn.Channel()
	if err == nil {
		err = pub.Confirm(false)
	}
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}

	c.mu.Lock()
	c.conn, c.pub = conn, pub
	c.mu.Unlock()

	c.logger.Info("connected to RabbitMQ")
	return nil
}

// supervise ждёт обрыва соединения или канала публикации и
// переподключается, пока не вызван Close.
func (c *Connection) supervise() {
	for {
		c.mu.RLock()
		conn, pub := c.conn, c.pub
		c.mu.RUnlock()

		connLost := conn.NotifyClose(make(chan *amqp.Error, 1))
		pubLost := pub.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.done:
			return
		case err := <-connLost:
			c.logger.Warn("connection lost", "error", err)
		case err := <-pubLost:
			// Брокер закрывает канал при ошибке публикации. Соединение
			// пересоздаётся целиком, чтобы consumer'ы тоже переоткрылись.
			c.logger.Warn("publish channel lost", "error", err)
			_ = conn.Close()
		}

		c.mu.Lock()
		c.pub = nil
		c.mu.Unlock()

		if !c.redial() {
			return
		}
		c.notifyListeners()
	}
}

// redial повторяет dial с экспоненциальной задержкой. false означает,
// что соединение закрыто через Close.
func (c *Connection) redial() bool {
	for delay := initialReconnectDelay; ; delay = min(delay*2, maxReconnectDelay) {
		select {
		case <-c.done:
			return false
		case <-time.After(delay):
		}
		if err := c.dial(); err != nil {
			c.logger.Warn("reconnect failed", "error", err, "next_delay", min(delay*2, maxReconnectDelay))
			continue
		}
		return true
	}
}

func (c *Connection) notifyListeners() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for _, l := range c.listeners {
		select {
		case l <- struct{}{}:
		default:
		}
	}
}

// ReconnectNotify подписывает на сигнал после каждого переподключения.
// Сигналы не копятся: буфер на одно событие.
func (c *Connection) ReconnectNotify() <-chan struct{} {
	l := make(chan struct{}, 1)
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
	return l
}

// Channel открывает отдельный канал для consumer'а.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return nil, ErrNoChannel
	}
	return conn.Channel()
}

func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed() && c.pub != nil
}

// WithChannel отдаёт fn канал публикации под эксклюзивной блокировкой.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	pub := c.pub
	c.mu.RUnlock()
	if pub == nil {
		return ErrNoChannel
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return fn(pub)
}

// Close закрывает соединение и останавливает переподключение.
// Повторный вызов ничего не делает.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	close(c.done)

	var errs []error
	if c.pub != nil {
		errs = append(errs, c.pub.Close())
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	c.logger.Info("connection closed")
	return errors.Join(errs...)
}
