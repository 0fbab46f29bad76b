package config

import "strings"

// Environment identifies the deployment the trader runs in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// HandoffMode selects how book states reach the execution engine.
type HandoffMode string

const (
	// HandoffLatest keeps only the newest undelivered state.
	HandoffLatest HandoffMode = "latest"
	// HandoffBlock queues states in order and applies backpressure.
	HandoffBlock HandoffMode = "block"
)

// JournalDriver selects the trade journal backend.
type JournalDriver string

const (
	JournalNone     JournalDriver = "none"
	JournalPostgres JournalDriver = "postgres"
	JournalSQLite   JournalDriver = "sqlite"
)

// SignalKind selects the probability model.
type SignalKind string

const (
	SignalConstant SignalKind = "constant"
	SignalLogistic SignalKind = "logistic"
	SignalScript   SignalKind = "script"
)

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
