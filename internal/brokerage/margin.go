package brokerage

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"quantloop/internal/orders"
	"quantloop/internal/positions"
	"quantloop/internal/securities"
)

// MarginModel evaluates maintenance margin over resolved position groups
// and produces forced liquidations when equity no longer covers it.
// Covered groups carry a lower maintenance ratio than naked singles, so
// the group resolution directly changes margin outcomes.
type MarginModel struct {
	portfolio *securities.Portfolio
	store     *securities.Store
	groups    *positions.Manager
	handler   *TransactionHandler
	logger    zerolog.Logger

	// MaintenanceRatio applies to single-security groups; covered groups
	// use half of it.
	MaintenanceRatio float64
	// WarningThreshold is the margin-usage fraction above which a warning
	// fires before any forced liquidation.
	WarningThreshold float64
}

// NewMarginModel creates a margin model with standard Reg-T style ratios.
func NewMarginModel(portfolio *securities.Portfolio, store *securities.Store, groups *positions.Manager, handler *TransactionHandler, logger zerolog.Logger) *MarginModel {
	return &MarginModel{
		portfolio:        portfolio,
		store:            store,
		groups:           groups,
		handler:          handler,
		logger:           logger.With().Str("component", "margin").Logger(),
		MaintenanceRatio: 0.25,
		WarningThreshold: 0.9,
	}
}

// MaintenanceMargin returns the total maintenance requirement over the
// current groups at current prices.
func (m *MarginModel) MaintenanceMargin() float64 {
	var total float64
	for _, g := range m.groups.Groups().Sorted() {
		total += m.groupMargin(g)
	}
	return total
}

func (m *MarginModel) groupMargin(g *positions.Group) float64 {
	ratio := m.MaintenanceRatio
	if g.Key().Model != positions.SingleGroupModel {
		ratio = m.MaintenanceRatio / 2
	}
	var gross float64
	for _, leg := range g.Positions() {
		sec, ok := m.store.Get(leg.Symbol)
		if !ok {
			continue
		}
		gross += math.Abs(leg.Quantity * sec.Price())
	}
	return gross * ratio
}

// MarginUsage returns maintenance margin over total portfolio value, or
// zero when uninvested.
func (m *MarginModel) MarginUsage() float64 {
	equity := m.portfolio.TotalValue()
	if equity <= 0 {
		return math.Inf(1)
	}
	maintenance := m.MaintenanceMargin()
	if maintenance == 0 {
		return 0
	}
	return maintenance / equity
}

// GetMarginCallOrders returns liquidation requests when equity no longer
// covers maintenance margin, plus whether a warning should be issued
// first. Requests reduce the largest positions until the requirement is
// projected covered.
func (m *MarginModel) GetMarginCallOrders(now time.Time) ([]*orders.SubmitRequest, bool) {
	equity := m.portfolio.TotalValue()
	if equity <= 0 {
		return nil, false
	}
	maintenance := m.MaintenanceMargin()
	if maintenance <= equity*m.WarningThreshold {
		return nil, false
	}
	if maintenance <= equity {
		return nil, true
	}

	deficiency := maintenance - equity
	invested := m.store.Invested()
	sort.Slice(invested, func(i, j int) bool {
		return math.Abs(invested[i].Holdings.HoldingsValue()) > math.Abs(invested[j].Holdings.HoldingsValue())
	})

	var requests []*orders.SubmitRequest
	for _, sec := range invested {
		if deficiency <= 0 {
			break
		}
		price := sec.Price()
		if price == 0 {
			continue
		}
		qty := sec.Holdings.Quantity()
		// freeing one unit of exposure releases ratio * price of margin
		release := price * m.MaintenanceRatio
		needed := math.Ceil(deficiency / release)
		if needed > math.Abs(qty) {
			needed = math.Abs(qty)
		}
		liquidate := -needed
		if qty < 0 {
			liquidate = needed
		}
		requests = append(requests, orders.NewSubmitRequest(sec.Symbol, orders.TypeMarket, liquidate, now, "margin call"))
		deficiency -= needed * release
	}
	m.logger.Warn().Float64("equity", equity).Float64("maintenance", maintenance).
		Int("orders", len(requests)).Msg("Margin call generated")
	return requests, true
}

// ExecuteMarginCall submits the (possibly amended) margin call orders and
// returns the resulting tickets.
func (m *MarginModel) ExecuteMarginCall(requests []*orders.SubmitRequest) []*orders.Ticket {
	var tickets []*orders.Ticket
	for _, r := range requests {
		response := m.handler.Process(r)
		if response.IsError() {
			m.logger.Error().Stringer("symbol", r.Symbol).Str("error", response.String()).
				Msg("Margin call order rejected")
			continue
		}
		if t, ok := m.handler.Ticket(response.OrderID); ok {
			tickets = append(tickets, t)
		}
	}
	return tickets
}
