package models

const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusSuccess    = "success"
	TaskStatusError      = "error"
	TaskStatusCancelled  = "cancelled"
)

const (
	// TaskTypeCheckCompetitors fetches competitor/Buy Box snapshots for a
	// tenant's products on one marketplace.
	TaskTypeCheckCompetitors = "check_competitors"
)

const (
	// DefaultLeaseTTL время аренды задачи воркером до повторной выдачи
	DefaultLeaseTTL = 5 * 60 // секунды

	// DefaultPollInterval пауза воркера при пустой очереди
	DefaultPollInterval = 2 // секунды

	// DefaultMaxAttempts максимум попыток до перевода в error
	DefaultMaxAttempts = 5

	// DefaultBatchSize максимум товаров в одной задаче планировщика
	DefaultBatchSize = 20

	// DefaultPriority приоритет по умолчанию (меньше — раньше)
	DefaultPriority = 100

	// StatsCacheTTL время жизни кэша статистики очереди
	StatsCacheTTL = 30 // секунды
)
