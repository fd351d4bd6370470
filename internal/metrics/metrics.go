// Package metrics exposes the control plane's prometheus gauges, adapted
// from bbgo's xmaker strategy metrics to this bot's quote/hedge/funding
// domain.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var labels = []string{"symbol"}

var bestBidPrice = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bitgetmm_best_bid_price",
		Help: "Current maker best bid price.",
	}, labels)

var bestAskPrice = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bitgetmm_best_ask_price",
		Help: "Current maker best ask price.",
	}, labels)

var quoteBidExposureUSD = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bitgetmm_quote_bid_exposure_usd",
		Help: "Open bid quote notional in USD.",
	}, labels)

var quoteAskExposureUSD = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bitgetmm_quote_ask_exposure_usd",
		Help: "Open ask quote notional in USD.",
	}, labels)

var perpPositionBase = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bitgetmm_perp_position_base",
		Help: "Current perpetual position size in base units, signed.",
	}, labels)

var spotPositionBase = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bitgetmm_spot_position_base",
		Help: "Current spot position size in base units, signed.",
	}, labels)

var unhedgedNotionalUSD = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bitgetmm_unhedged_notional_usd",
		Help: "Current unhedged exposure notional in USD.",
	}, labels)

var unhedgedAgeSec = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bitgetmm_unhedged_age_seconds",
		Help: "Seconds since the unhedged exposure was last fully flat.",
	}, labels)

var fundingRateCurrent = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bitgetmm_funding_rate_current",
		Help: "Latest observed funding rate.",
	}, labels)

var halted = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bitgetmm_halted",
		Help: "1 when risk guards have latched a halt, 0 otherwise.",
	}, labels)

var hedgeTicketsOpen = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bitgetmm_hedge_tickets_open",
		Help: "Number of hedge tickets currently open.",
	}, labels)

var cycleDurationSeconds = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bitgetmm_cycle_duration_seconds",
		Help: "Wall-clock duration of the most recent strategy cycle.",
	}, labels)

func init() {
	prometheus.MustRegister(
		bestBidPrice,
		bestAskPrice,
		quoteBidExposureUSD,
		quoteAskExposureUSD,
		perpPositionBase,
		spotPositionBase,
		unhedgedNotionalUSD,
		unhedgedAgeSec,
		fundingRateCurrent,
		halted,
		hedgeTicketsOpen,
		cycleDurationSeconds,
	)
}

// Recorder updates the package's gauges for one symbol. The zero value is
// usable; Symbol must be set before first use.
type Recorder struct {
	Symbol string
}

func NewRecorder(symbol string) *Recorder {
	return &Recorder{Symbol: symbol}
}

func (r *Recorder) SetBBO(bid, ask float64) {
	bestBidPrice.WithLabelValues(r.Symbol).Set(bid)
	bestAskPrice.WithLabelValues(r.Symbol).Set(ask)
}

func (r *Recorder) SetQuoteExposure(bidUSD, askUSD float64) {
	quoteBidExposureUSD.WithLabelValues(r.Symbol).Set(bidUSD)
	quoteAskExposureUSD.WithLabelValues(r.Symbol).Set(askUSD)
}

func (r *Recorder) SetPositions(perpBase, spotBase float64) {
	perpPositionBase.WithLabelValues(r.Symbol).Set(perpBase)
	spotPositionBase.WithLabelValues(r.Symbol).Set(spotBase)
}

func (r *Recorder) SetUnhedged(notionalUSD, ageSec float64) {
	unhedgedNotionalUSD.WithLabelValues(r.Symbol).Set(notionalUSD)
	unhedgedAgeSec.WithLabelValues(r.Symbol).Set(ageSec)
}

func (r *Recorder) SetFundingRate(rate float64) {
	fundingRateCurrent.WithLabelValues(r.Symbol).Set(rate)
}

func (r *Recorder) SetHalted(isHalted bool) {
	v := 0.0
	if isHalted {
		v = 1.0
	}
	halted.WithLabelValues(r.Symbol).Set(v)
}

func (r *Recorder) SetHedgeTicketsOpen(n int) {
	hedgeTicketsOpen.WithLabelValues(r.Symbol).Set(float64(n))
}

func (r *Recorder) SetCycleDuration(seconds float64) {
	cycleDurationSeconds.WithLabelValues(r.Symbol).Set(seconds)
}
