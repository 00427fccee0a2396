// Package scanner produces, once per orchestrator cycle, a
// (symbol, timeframe) → {regime, ohlc} map by fetching OHLC from a
// priority-ordered provider chain and classifying each frame's regime.
// Pairs whose data is unavailable are omitted rather than erroring.
package scanner

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/aethelgard/internal/regime"
	"github.com/atlas-desktop/aethelgard/internal/workers"
	"github.com/atlas-desktop/aethelgard/pkg/types"
)

// Mode controls how many configured pairs are polled per cycle.
type Mode string

const (
	ModeECO        Mode = "ECO"
	ModeStandard   Mode = "STANDARD"
	ModeAggressive Mode = "AGGRESSIVE"
)

// fraction returns what share of the configured pair list a mode polls
// per cycle — ECO conserves provider calls, AGGRESSIVE polls everything.
func (m Mode) fraction() float64 {
	switch m {
	case ModeECO:
		return 0.34
	case ModeAggressive:
		return 1.0
	default:
		return 0.67
	}
}

// Pair is one configured (symbol, timeframe) scan target.
type Pair struct {
	Symbol    string
	Timeframe types.Timeframe
}

// Result is the scan outcome for a single pair.
type Result struct {
	Symbol     string
	Timeframe  types.Timeframe
	Frame      types.Frame
	Regime     types.MarketRegime
	Confidence float64
	Provider   string
}

// Scanner fetches and classifies a configured pair list each cycle.
type Scanner struct {
	logger     *zap.Logger
	chain      *ProviderChain
	classifier *regime.Classifier
	pool       *workers.Pool
	pairs      []Pair
	candles    int
	mode       Mode

	mu          sync.Mutex
	cursor      int
	lastResults map[string]Result
}

type Config struct {
	Pairs   []Pair
	Candles int // N candles per fetch, typical 250
	Mode    Mode
}

func New(logger *zap.Logger, chain *ProviderChain, classifier *regime.Classifier, pool *workers.Pool, cfg Config) *Scanner {
	if cfg.Candles <= 0 {
		cfg.Candles = 250
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStandard
	}
	return &Scanner{
		logger: logger.Named("scanner"), chain: chain, classifier: classifier, pool: pool,
		pairs: cfg.Pairs, candles: cfg.Candles, mode: cfg.Mode, lastResults: map[string]Result{},
	}
}

func key(symbol string, tf types.Timeframe) string { return symbol + "|" + string(tf) }

// SetMode changes the scan mode for subsequent cycles.
func (s *Scanner) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// pairsForCycle returns the slice of configured pairs to poll this
// cycle, rotating through the full list across cycles so ECO/STANDARD
// modes still eventually cover every pair.
func (s *Scanner) pairsForCycle() []Pair {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.pairs)
	if total == 0 {
		return nil
	}
	n := int(float64(total) * s.mode.fraction())
	if n < 1 {
		n = 1
	}
	if n > total {
		n = total
	}

	out := make([]Pair, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.pairs[(s.cursor+i)%total])
	}
	s.cursor = (s.cursor + n) % total
	return out
}

// Scan fetches and classifies this cycle's pair subset concurrently
// through the bounded worker pool, caching results for LastResults().
func (s *Scanner) Scan(ctx context.Context, th regime.Thresholds) map[string]Result {
	pairs := s.pairsForCycle()
	out := make(map[string]Result, len(pairs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, pair := range pairs {
		pair := pair
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := func(taskCtx context.Context) error {
				frame, providerName, err := s.chain.FetchOHLC(taskCtx, pair.Symbol, pair.Timeframe, s.candles)
				if err != nil || len(frame) == 0 {
					s.logger.Debug("scan pair omitted, no data",
						zap.String("symbol", pair.Symbol), zap.String("timeframe", string(pair.Timeframe)))
					return nil
				}
				result := s.classifier.Classify(frame, th)
				r := Result{
					Symbol: pair.Symbol, Timeframe: pair.Timeframe, Frame: frame,
					Regime: result.Regime, Confidence: result.Confidence, Provider: providerName,
				}
				mu.Lock()
				out[key(pair.Symbol, pair.Timeframe)] = r
				mu.Unlock()
				return nil
			}
			if err := s.pool.Submit(ctx, task); err != nil {
				s.logger.Warn("scan task submission failed", zap.String("symbol", pair.Symbol), zap.Error(err))
			}
		}()
	}
	wg.Wait()

	s.mu.Lock()
	s.lastResults = out
	s.mu.Unlock()
	return out
}

// LastResults returns the most recently cached scan map.
func (s *Scanner) LastResults() map[string]Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Result, len(s.lastResults))
	for k, v := range s.lastResults {
		out[k] = v
	}
	return out
}

// RegimeFor returns the cached regime for (symbol, timeframe), used by
// confluence to read higher-timeframe context without re-scanning.
func (s *Scanner) RegimeFor(symbol string, tf types.Timeframe) (types.MarketRegime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lastResults[key(symbol, tf)]
	if !ok {
		return "", false
	}
	return r.Regime, true
}

func (r Result) String() string {
	return fmt.Sprintf("%s/%s: %s (conf=%.2f, provider=%s)", r.Symbol, r.Timeframe, r.Regime, r.Confidence, r.Provider)
}
