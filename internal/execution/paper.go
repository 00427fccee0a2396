package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// PaperConnector is a reference BrokerConnector for tests and paper
// trading: it fills every signal immediately, at the price set with
// SetPrice for the symbol or at the signal's entry price when none is
// set, and keeps positions in memory.
type PaperConnector struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	prices    map[string]decimal.Decimal
	symbols   map[string]types.SymbolInfo
	frames    map[string]types.Frame
	open      map[string]types.OpenPosition
	closed    []types.ClosedPosition
	connected bool
}

func NewPaperConnector(startingBalance decimal.Decimal) *PaperConnector {
	return &PaperConnector{
		balance: startingBalance,
		prices:  map[string]decimal.Decimal{},
		symbols: map[string]types.SymbolInfo{},
		frames:  map[string]types.Frame{},
		open:    map[string]types.OpenPosition{},
	}
}

func (p *PaperConnector) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *PaperConnector) SetSymbolInfo(symbol string, info types.SymbolInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbols[symbol] = info
}

func (p *PaperConnector) SetFrame(symbol string, frame types.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[symbol] = frame
}

func (p *PaperConnector) Connect(ctx context.Context) error    { p.connected = true; return nil }
func (p *PaperConnector) Disconnect(ctx context.Context) error { p.connected = false; return nil }
func (p *PaperConnector) IsConnected() bool                   { return p.connected }

func (p *PaperConnector) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *PaperConnector) GetSymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.symbols[symbol]
	if !ok {
		return types.SymbolInfo{}, errNoSymbolInfo(symbol)
	}
	return info, nil
}

func (p *PaperConnector) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	return price, ok
}

func (p *PaperConnector) FetchOHLC(ctx context.Context, symbol string, tf types.Timeframe, count int) (types.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	frame, ok := p.frames[symbol]
	if !ok {
		return nil, nil
	}
	if count > 0 && count < len(frame) {
		return frame[len(frame)-count:], nil
	}
	return frame, nil
}

func (p *PaperConnector) ExecuteSignal(ctx context.Context, sig *types.Signal) (types.ExecuteResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ticket := uuid.New().String()
	price := sig.EntryPrice
	if mkt, ok := p.prices[sig.Symbol]; ok {
		price = mkt
	}
	p.open[ticket] = types.OpenPosition{
		Ticket: ticket, Symbol: sig.Symbol, Type: sig.SignalType, Volume: sig.Volume,
		PriceOpen: price, StopLoss: sig.StopLoss, TakeProfit: sig.TakeProfit,
	}
	return types.ExecuteResult{Success: true, Ticket: ticket, Price: price}, nil
}

func (p *PaperConnector) GetOpenPositions(ctx context.Context) ([]types.OpenPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.OpenPosition, 0, len(p.open))
	for _, pos := range p.open {
		out = append(out, pos)
	}
	return out, nil
}

func (p *PaperConnector) GetClosedPositions(ctx context.Context, sinceHours int) ([]types.ClosedPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(sinceHours) * time.Hour)
	var out []types.ClosedPosition
	for _, c := range p.closed {
		if c.CloseTime.After(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *PaperConnector) ClosePosition(ctx context.Context, ticket, reason string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.open[ticket]
	if !ok {
		return false, nil
	}
	exitPrice := pos.PriceOpen
	if mkt, ok := p.prices[pos.Symbol]; ok {
		exitPrice = mkt
	}
	profit := exitPrice.Sub(pos.PriceOpen).Mul(pos.Volume)
	if pos.Type == types.SignalSell {
		profit = profit.Neg()
	}
	delete(p.open, ticket)
	p.balance = p.balance.Add(profit)
	p.closed = append(p.closed, types.ClosedPosition{
		Ticket: ticket, Symbol: pos.Symbol, EntryPrice: pos.PriceOpen, ExitPrice: exitPrice,
		Profit: profit, Volume: pos.Volume, CloseTime: time.Now(), ExitReason: types.ExitReason(reason),
	})
	return true, nil
}

func (p *PaperConnector) ModifyPosition(ctx context.Context, ticket string, sl, tp decimal.Decimal) (types.ModifyResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.open[ticket]
	if !ok {
		return types.ModifyResult{Supported: true, Success: false, Error: "unknown ticket"}, nil
	}
	pos.StopLoss, pos.TakeProfit = sl, tp
	p.open[ticket] = pos
	return types.ModifyResult{Supported: true, Success: true}, nil
}

type symbolInfoError struct{ symbol string }

func (e symbolInfoError) Error() string { return "no symbol info for " + e.symbol }

func errNoSymbolInfo(symbol string) error { return symbolInfoError{symbol: symbol} }
