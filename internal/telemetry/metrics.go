package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Метрики Relay. Регистрируются в глобальном реестре Prometheus
// при импорте пакета и отдаются через MetricsHandler.
var (
	// PlanExecutionsStarted — запущенные выполнения планов.
	PlanExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_plan_executions_started_total",
		Help: "Total number of started plan executions",
	})

	// PlanExecutionsFinished — завершённые выполнения по итоговому статусу.
	PlanExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_plan_executions_finished_total",
		Help: "Total number of finished plan executions by status",
	}, []string{"status"})

	// ActivePlanExecutions — выполнения, которые сейчас ведёт coordinator.
	ActivePlanExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_plan_executions_active",
		Help: "Number of plan executions currently driven by this coordinator",
	})

	// NodeTransitions — переходы статусов узлов.
	NodeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_node_transitions_total",
		Help: "Total number of node execution status transitions",
	}, []string{"step_type", "status"})

	// StepDuration — длительность шагов по типу и режиму.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_step_duration_seconds",
		Help:    "Node execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"step_type", "mode"})

	// Advises — выданные советы по адвайзеру и типу.
	Advises = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_advises_total",
		Help: "Total number of advises applied",
	}, []string{"adviser", "type"})

	// Interrupts — применённые прерывания.
	Interrupts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_interrupts_total",
		Help: "Total number of interrupts applied",
	}, []string{"type", "source"})

	// TimeoutsFired — сработавшие таймауты по измерению.
	TimeoutsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_timeouts_fired_total",
		Help: "Total number of expired timeout instances",
	}, []string{"dimension"})

	// BarriersDown — опущенные барьеры по исходу.
	BarriersDown = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_barriers_down_total",
		Help: "Total number of barriers brought down",
	}, []string{"outcome"})

	// RestraintActiveWeight — занятая ёмкость ресурса.
	RestraintActiveWeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_restraint_active_weight",
		Help: "Sum of weights of ACTIVE restraint instances per resource",
	}, []string{"resource"})

	// RestraintBlocked — заявки, ставшие в очередь.
	RestraintBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_restraint_blocked_total",
		Help: "Total number of restraint requests queued as BLOCKED",
	}, []string{"resource"})

	// RestraintOverCapacity — нарушение ёмкости. Любое значение больше нуля — баг.
	RestraintOverCapacity = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_restraint_over_capacity_total",
		Help: "Observed capacity invariant violations (must stay zero)",
	}, []string{"resource"})

	// DelegateTasksDispatched — задачи, отправленные делегатам.
	DelegateTasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_delegate_tasks_dispatched_total",
		Help: "Total number of tasks dispatched to delegates",
	}, []string{"task_type"})

	// DelegateTasksQueued — задачи, ожидающие подходящего делегата.
	DelegateTasksQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_delegate_tasks_queued",
		Help: "Number of tasks waiting for an eligible delegate",
	})

	// DelegatesAlive — делегаты с живым heartbeat.
	DelegatesAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_delegates_alive",
		Help: "Number of delegates with a fresh heartbeat",
	})

	// WorkerTasks — задачи, выполненные агентом делегата.
	WorkerTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_worker_tasks_total",
		Help: "Total number of tasks executed by this delegate agent",
	}, []string{"task_type", "status"})

	// MQDeliveries — сообщения, полученные из очередей, по исходу обработки.
	MQDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_mq_deliveries_total",
		Help: "Total number of consumed AMQP deliveries by outcome",
	}, []string{"queue", "outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_http_request_duration_seconds",
		Help:    "API request latency by route and status class",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// MetricsHandler возвращает HTTP handler для /metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
