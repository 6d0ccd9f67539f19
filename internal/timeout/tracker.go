package timeout

import "time"

// Виды трекеров.
const (
	KindAbsolute       = "absolute"
	KindActiveInterval = "active_interval"
)

// Tracker отслеживает одно ограничение по времени.
//
// Время на паузе не засчитывается: после Pause и Resume через
// произвольный промежуток Elapsed продолжается с того же значения.
type Tracker interface {
	// Kind возвращает вид трекера.
	Kind() string

	// Start начинает отсчёт.
	Start(now time.Time)

	// Pause останавливает отсчёт. Повторный Pause ничего не делает.
	Pause(now time.Time)

	// Resume продолжает отсчёт. Resume без Pause ничего не делает.
	Resume(now time.Time)

	// Progress — сигнал активности. Для интервального трекера сбрасывает отсчёт.
	Progress(now time.Time)

	// Elapsed возвращает засчитанное время.
	Elapsed(now time.Time) time.Duration

	// Remaining возвращает оставшееся время (0, если истекло).
	Remaining(now time.Time) time.Duration

	// Expired возвращает true, если лимит исчерпан.
	Expired(now time.Time) bool

	// Paused возвращает true, если отсчёт остановлен.
	Paused() bool
}

// stopwatch считает активное время с учётом пауз.
type stopwatch struct {
	accumulated  time.Duration
	runningSince time.Time
	running      bool
	paused       bool
}

func (s *stopwatch) start(now time.Time) {
	s.running = true
	s.paused = false
	s.runningSince = now
}

func (s *stopwatch) pause(now time.Time) {
	if !s.running || s.paused {
		return
	}
	s.accumulated += now.Sub(s.runningSince)
	s.paused = true
}

func (s *stopwatch) resume(now time.Time) {
	if !s.running || !s.paused {
		return
	}
	s.paused = false
	s.runningSince = now
}

func (s *stopwatch) reset(now time.Time) {
	s.accumulated = 0
	s.runningSince = now
}

func (s *stopwatch) elapsed(now time.Time) time.Duration {
	if !s.running {
		return s.accumulated
	}
	if s.paused {
		return s.accumulated
	}
	return s.accumulated + now.Sub(s.runningSince)
}

// AbsoluteTracker — лимит на суммарное активное время.
type AbsoluteTracker struct {
	limit time.Duration
	sw    stopwatch
}

// NewAbsoluteTracker создаёт трекер; initial — уже засчитанное время (для восстановления).
func NewAbsoluteTracker(limit, initial time.Duration) *AbsoluteTracker {
	return &AbsoluteTracker{limit: limit, sw: stopwatch{accumulated: initial}}
}

func (t *AbsoluteTracker) Kind() string { return KindAbsolute }
func (t *AbsoluteTracker) Start(now time.Time) { t.sw.start(now) }
func (t *AbsoluteTracker) Pause(now time.Time) { t.sw.pause(now) }
func (t *AbsoluteTracker) Resume(now time.Time) { t.sw.resume(now) }
func (t *AbsoluteTracker) Progress(time.Time) {}
func (t *AbsoluteTracker) Paused() bool { return t.sw.paused }

func (t *AbsoluteTracker) Elapsed(now time.Time) time.Duration {
	return t.sw.elapsed(now)
}

func (t *AbsoluteTracker) Remaining(now time.Time) time.Duration {
	return max(t.limit-t.sw.elapsed(now), 0)
}

func (t *AbsoluteTracker) Expired(now time.Time) bool {
	return t.sw.elapsed(now) >= t.limit
}

// ActiveIntervalTracker — лимит на время между сигналами активности.
//
// Каждый Progress сбрасывает отсчёт. Трекер истекает, если от
// последнего сигнала (или старта) прошло больше interval активного
// времени.
type ActiveIntervalTracker struct {
	interval time.Duration
	sw       stopwatch
}

// NewActiveIntervalTracker создаёт трекер; initial — время с последнего сигнала.
func NewActiveIntervalTracker(interval, initial time.Duration) *ActiveIntervalTracker {
	return &ActiveIntervalTracker{interval: interval, sw: stopwatch{accumulated: initial}}
}

func (t *ActiveIntervalTracker) Kind() string { return KindActiveInterval }
func (t *ActiveIntervalTracker) Start(now time.Time) { t.sw.start(now) }
func (t *ActiveIntervalTracker) Pause(now time.Time) { t.sw.pause(now) }
func (t *ActiveIntervalTracker) Resume(now time.Time) { t.sw.resume(now) }
func (t *ActiveIntervalTracker) Paused() bool { return t.sw.paused }

func (t *ActiveIntervalTracker) Progress(now time.Time) {
	t.sw.reset(now)
}

func (t *ActiveIntervalTracker) Elapsed(now time.Time) time.Duration {
	return t.sw.elapsed(now)
}

func (t *ActiveIntervalTracker) Remaining(now time.Time) time.Duration {
	return max(t.interval-t.sw.elapsed(now), 0)
}

func (t *ActiveIntervalTracker) Expired(now time.Time) bool {
	return t.sw.elapsed(now) >= t.interval
}
