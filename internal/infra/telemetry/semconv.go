package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by orderflow instruments.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrVenue identifies the upstream venue (binance, lighter, paper).
	AttrVenue = attribute.Key("venue")
	// AttrSymbol captures the traded instrument symbol (e.g. BTCUSDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrOperation names the venue call (snapshot, place_order, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, ...).
	AttrResult = attribute.Key("result")
	// AttrOrderSide labels order telemetry with BUY/SELL intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrAction labels engine decisions (open_long, close, flatten, ...).
	AttrAction = attribute.Key("action")
	// AttrReason provides additional context for exits and errors.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels supervisor lifecycle transitions.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrOutcome labels synchronizer outcomes (applied, stale, gap, resync, buffered).
	AttrOutcome = attribute.Key("sync.outcome")
	// AttrMigrationDirection is up or down.
	AttrMigrationDirection = attribute.Key("migration.direction")
	// AttrDBPool names the pgx pool behind database gauges.
	AttrDBPool = attribute.Key("db_pool")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// VenueAttributes returns the base attribute set for venue adapter metrics.
func VenueAttributes(venue, symbol string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrVenue.String(venue),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(venue, symbol, operation, result string) []attribute.KeyValue {
	return append(VenueAttributes(venue, symbol),
		AttrOperation.String(operation),
		AttrResult.String(result),
	)
}

// SymbolAttributes returns attributes for per-symbol pipeline metrics.
func SymbolAttributes(symbol string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSymbol.String(symbol),
	}
}

// ConnectionAttributes returns attributes for supervisor state metrics.
func ConnectionAttributes(symbol, state string) []attribute.KeyValue {
	return append(SymbolAttributes(symbol), AttrConnectionState.String(state))
}
