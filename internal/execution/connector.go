// Package execution routes approved signals to broker connectors exactly
// once, writing position metadata on success. The executor and
// everything above it never names a specific broker — all broker
// specifics live inside connector implementations.
package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// BrokerConnector is the contract every venue adapter implements (§6).
// ModifyPosition reports Supported=false for connectors that cannot
// modify an open order in place (Open Question #4) rather than
// pretending to succeed.
type BrokerConnector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, bool)
	FetchOHLC(ctx context.Context, symbol string, tf types.Timeframe, count int) (types.Frame, error)

	ExecuteSignal(ctx context.Context, sig *types.Signal) (types.ExecuteResult, error)
	GetOpenPositions(ctx context.Context) ([]types.OpenPosition, error)
	GetClosedPositions(ctx context.Context, since int) ([]types.ClosedPosition, error)
	ClosePosition(ctx context.Context, ticket, reason string) (bool, error)
	ModifyPosition(ctx context.Context, ticket string, sl, tp decimal.Decimal) (types.ModifyResult, error)
}

// Registry is a Factory lookup from ConnectorType to a connected
// BrokerConnector instance.
type Registry struct {
	connectors map[types.ConnectorType]BrokerConnector
}

func NewRegistry() *Registry {
	return &Registry{connectors: map[types.ConnectorType]BrokerConnector{}}
}

func (r *Registry) Register(ct types.ConnectorType, conn BrokerConnector) {
	r.connectors[ct] = conn
}

func (r *Registry) Get(ct types.ConnectorType) (BrokerConnector, bool) {
	c, ok := r.connectors[ct]
	return c, ok
}
