// Package notify доставляет результаты внешних операций по correlation ID.
//
// Шаг, запустивший асинхронную работу (callback, задача делегата,
// ожидание барьера или ресурса), возвращает coordinator'у correlation
// ID. Coordinator регистрирует на них callback'и, а источники
// результатов вызывают Notify.
//
// Гарантии:
//   - callback вызывается не более одного раза и только с первым результатом
//   - результат, пришедший раньше регистрации, сохраняется и доставляется
//     при Register; без регистрации он забывается через Retention
//   - callback'и всегда вызываются в отдельной горутине, поэтому Notify
//     и Register безопасно вызывать из любого цикла обработки
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

// Callback — обработчик результата.
type Callback func(n *domain.Notification)

// Значения по умолчанию.
const (
	defaultRetention = time.Hour
	sweepThreshold   = 1024
	maxSweepInterval = time.Minute
)

// Config — конфигурация Notifier.
type Config struct {
	// Retention — сколько помнить доставленные ID, чтобы отбрасывать
	// дубликаты, и сколько хранить результат, который никто не ждёт.
	Retention time.Duration

	Logger *slog.Logger
}

// Notifier — in-memory реестр ожидающих callback'ов.
type Notifier struct {
	retention time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	callbacks map[string]Callback
	pending   map[string]early
	delivered map[string]time.Time
	nextSweep time.Time
}

// early — результат, пришедший раньше регистрации.
type early struct {
	result *domain.Notification
	at     time.Time
}

// New создаёт Notifier.
func New(cfg Config) *Notifier {
	if cfg.Retention == 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Notifier{
		retention: cfg.Retention,
		logger:    cfg.Logger,
		callbacks: make(map[string]Callback),
		pending:   make(map[string]early),
		delivered: make(map[string]time.Time),
	}
}

// Register регистрирует callback для correlation ID.
//
// Если результат уже пришёл, callback вызывается сразу (в горутине).
// Повторная регистрация заменяет предыдущий callback: так
// восстановление после рестарта переподписывается на те же ID.
func (n *Notifier) Register(correlationID string, cb Callback) {
	n.mu.Lock()
	if _, done := n.delivered[correlationID]; done {
		n.mu.Unlock()
		n.logger.Debug("callback registered for delivered correlation", "correlation_id", correlationID)
		return
	}
	if e, ok := n.pending[correlationID]; ok {
		delete(n.pending, correlationID)
		n.delivered[correlationID] = time.Now()
		n.mu.Unlock()
		go cb(e.result)
		return
	}
	n.callbacks[correlationID] = cb
	n.mu.Unlock()
}

// Notify доставляет результат.
// Возвращает false, если результат по этому ID уже был доставлен.
func (n *Notifier) Notify(result *domain.Notification) bool {
	id := result.CorrelationID

	n.mu.Lock()
	if _, done := n.delivered[id]; done {
		n.mu.Unlock()
		n.logger.Debug("duplicate notification dropped", "correlation_id", id)
		return false
	}
	if _, buffered := n.pending[id]; buffered {
		n.mu.Unlock()
		return false
	}

	cb, ok := n.callbacks[id]
	if !ok {
		// Регистрации ещё нет — сохраняем до Register
		n.pending[id] = early{result: result, at: time.Now()}
		n.sweepLocked()
		n.mu.Unlock()
		return true
	}

	delete(n.callbacks, id)
	n.delivered[id] = time.Now()
	n.sweepLocked()
	n.mu.Unlock()

	go cb(result)
	return true
}

// Cancel снимает callback и забывает буферизованный результат.
// Последующие результаты по этому ID будут отброшены.
func (n *Notifier) Cancel(correlationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.callbacks, correlationID)
	delete(n.pending, correlationID)
	n.delivered[correlationID] = time.Now()
	n.sweepLocked()
}

// Waiting возвращает количество зарегистрированных, но не сработавших callback'ов.
func (n *Notifier) Waiting() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.callbacks)
}

// Buffered возвращает количество результатов, ждущих регистрации.
func (n *Notifier) Buffered() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// sweepLocked удаляет записи о доставке и невостребованные результаты
// старше Retention. Проход по картам делается не чаще раза в
// min(Retention, минута).
func (n *Notifier) sweepLocked() {
	if len(n.delivered)+len(n.pending) < sweepThreshold {
		return
	}
	now := time.Now()
	if now.Before(n.nextSweep) {
		return
	}
	n.nextSweep = now.Add(min(n.retention, maxSweepInterval))

	cutoff := now.Add(-n.retention)
	for id, at := range n.delivered {
		if at.Before(cutoff) {
			delete(n.delivered, id)
		}
	}
	expired := 0
	for id, e := range n.pending {
		if e.at.Before(cutoff) {
			delete(n.pending, id)
			expired++
		}
	}
	if expired > 0 {
		n.logger.Warn("unclaimed notifications expired", "count", expired, "retention", n.retention)
	}
}
