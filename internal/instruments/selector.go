package instruments

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"tickstream/internal/model"
)

// SelectionConfig narrows the scrip master to the subscribed universe.
type SelectionConfig struct {
	Exchange          string
	Kinds             []model.InstrumentKind
	WeeklyExpiries    int
	MonthlyExpiries   int
	StrikeRangePct    float64 // 0 disables the strike window
	IncludeUnderlying bool
}

// SpotPriceFunc returns the reference price of an underlying index.
type SpotPriceFunc func(ctx context.Context, underlying model.Instrument) (float64, error)

// Selector picks derivatives per underlying from the scrip master.
type Selector struct {
	cfg  SelectionConfig
	spot SpotPriceFunc
	log  *zap.Logger
}

// NewSelector creates a selector. spot may be nil, which disables the strike window.
func NewSelector(cfg SelectionConfig, spot SpotPriceFunc, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "NFO"
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = []model.InstrumentKind{model.KindCE, model.KindPE}
	}
	return &Selector{cfg: cfg, spot: spot, log: log.Named("instruments")}
}

// Select returns the derivatives of each underlying (nearest weekly and
// monthly expiries, optional strike window) plus the underlying index itself.
func (s *Selector) Select(ctx context.Context, recs []ScripRecord, underlyings []string, today time.Time) []model.Instrument {
	all := make([]model.Instrument, 0, len(recs))
	for _, r := range recs {
		if in, ok := r.ToInstrument(); ok {
			all = append(all, in)
		}
	}
	day := truncateDay(today)

	var out []model.Instrument
	for _, name := range underlyings {
		derivs := s.derivatives(all, name, day)
		idx, hasIdx := findUnderlying(all, name)

		if s.cfg.StrikeRangePct > 0 && s.spot != nil && hasIdx {
			if px, err := s.spot(ctx, idx); err != nil {
				s.log.Warn("spot price unavailable, strike window skipped", zap.String("underlying", name), zap.Error(err))
			} else if px > 0 {
				derivs = strikeWindow(derivs, px, s.cfg.StrikeRangePct)
			}
		}
		s.log.Info("derivatives selected", zap.String("underlying", name), zap.Int("count", len(derivs)))
		out = append(out, derivs...)

		if s.cfg.IncludeUnderlying {
			if hasIdx {
				idx.Kind = model.KindIndex
				idx.Name = name
				out = append(out, idx)
			} else {
				s.log.Warn("underlying not found", zap.String("underlying", name))
			}
		}
	}
	s.log.Info("instrument universe resolved", zap.Int("total", len(out)), zap.Strings("underlyings", underlyings))
	return out
}

func (s *Selector) derivatives(all []model.Instrument, name string, day time.Time) []model.Instrument {
	var cands []model.Instrument
	for _, in := range all {
		if in.Exchange != s.cfg.Exchange || in.Name != name || in.Expiry == nil || in.Expiry.Before(day) {
			continue
		}
		if !s.wantKind(in.Kind) {
			continue
		}
		cands = append(cands, in)
	}

	expiries := uniqueExpiries(cands)
	keep := SelectExpiries(expiries, day, s.cfg.WeeklyExpiries, s.cfg.MonthlyExpiries)
	out := cands[:0]
	for _, in := range cands {
		if _, ok := keep[truncateDay(*in.Expiry)]; ok {
			out = append(out, in)
		}
	}
	return out
}

func (s *Selector) wantKind(k model.InstrumentKind) bool {
	for _, w := range s.cfg.Kinds {
		if w == k {
			return true
		}
	}
	return false
}

// SelectExpiries keeps the nearest `weekly` expiries plus the last expiry of
// each of the next `monthly` calendar months (starting with today's month).
func SelectExpiries(expiries []time.Time, today time.Time, weekly, monthly int) map[time.Time]struct{} {
	keep := make(map[time.Time]struct{})
	if len(expiries) == 0 {
		return keep
	}
	sorted := append([]time.Time(nil), expiries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	for i := 0; i < weekly && i < len(sorted); i++ {
		keep[sorted[i]] = struct{}{}
	}

	lastInMonth := make(map[[2]int]time.Time)
	for _, e := range sorted {
		lastInMonth[[2]int{e.Year(), int(e.Month())}] = e
	}
	y, m := today.Year(), int(today.Month())
	for i := 0; i < monthly; i++ {
		if e, ok := lastInMonth[[2]int{y, m}]; ok && !e.Before(today) {
			keep[e] = struct{}{}
		}
		m++
		if m > 12 {
			m, y = 1, y+1
		}
	}
	return keep
}

// strikeWindow drops options outside spot ± pct%. Futures carry no strike and are kept.
func strikeWindow(in []model.Instrument, spot, pct float64) []model.Instrument {
	lo, hi := spot*(1-pct/100), spot*(1+pct/100)
	out := in[:0]
	for _, x := range in {
		if x.Kind == model.KindCE || x.Kind == model.KindPE {
			if x.Strike == nil || *x.Strike < lo || *x.Strike > hi {
				continue
			}
		}
		out = append(out, x)
	}
	return out
}

func findUnderlying(all []model.Instrument, name string) (model.Instrument, bool) {
	for _, in := range all {
		if in.Kind == model.KindIndex && in.Name == name && (in.Exchange == "NSE" || in.Exchange == "BSE") {
			return in, true
		}
	}
	return model.Instrument{}, false
}

func uniqueExpiries(in []model.Instrument) []time.Time {
	seen := make(map[time.Time]struct{})
	var out []time.Time
	for _, x := range in {
		d := truncateDay(*x.Expiry)
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	t = t.In(model.IST)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, model.IST)
}
