// Package orderref encodes order intent into the free-text reference field
// the gateway echoes back on open orders and executions.
//
// Wire format (seven space-separated fields):
//
//	A:{action} Q:{qty} T:{order_type} L:{limit} S:{stop} D:{epoch_seconds} !ZL
//
// Order types containing spaces travel with "_" instead ("STP LMT" is sent
// as "STP_LMT"). Prices use the shortest round-trip float formatting.
package orderref

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"brokerlink/internal/domain"
)

// Sentinel marks a ref as produced by this codec.
const Sentinel = "!ZL"

const fieldCount = 7

// Actions carried in a ref.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// ErrInvalidMeta is returned by Meta.Validate.
var ErrInvalidMeta = errors.New("orderref: invalid metadata")

// Meta is the order intent carried in the ref.
type Meta struct {
	Action      string
	Quantity    int64
	OrderType   domain.OrderType
	LimitPrice  float64
	StopPrice   float64
	SubmittedAt time.Time
}

// New builds metadata from a signed amount and an order style. SubmittedAt
// is truncated to whole seconds.
func New(amount int64, style domain.OrderStyle, at time.Time) Meta {
	qty := amount
	if qty < 0 {
		qty = -qty
	}
	return Meta{
		Action:      domain.ActionFor(amount),
		Quantity:    qty,
		OrderType:   style.Type,
		LimitPrice:  style.LimitPrice,
		StopPrice:   style.StopPrice,
		SubmittedAt: at.Truncate(time.Second).UTC(),
	}
}

// Amount returns the signed order amount.
func (m Meta) Amount() int64 {
	return domain.SignedAmount(m.Action, m.Quantity)
}

// Validate reports whether m can be encoded and decoded losslessly.
func (m Meta) Validate() error {
	if m.Action != ActionBuy && m.Action != ActionSell {
		return fmt.Errorf("%w: action %q", ErrInvalidMeta, m.Action)
	}
	if m.Quantity < 0 {
		return fmt.Errorf("%w: negative quantity %d", ErrInvalidMeta, m.Quantity)
	}
	if !m.OrderType.Valid() {
		return fmt.Errorf("%w: order type %q", ErrInvalidMeta, m.OrderType)
	}
	if !finite(m.LimitPrice) || !finite(m.StopPrice) {
		return fmt.Errorf("%w: non-finite price", ErrInvalidMeta)
	}
	if m.SubmittedAt.Nanosecond() != 0 {
		return fmt.Errorf("%w: sub-second timestamp", ErrInvalidMeta)
	}
	return nil
}

// Encode renders m in wire format.
func Encode(m Meta) string {
	var b strings.Builder
	b.WriteString("A:")
	b.WriteString(m.Action)
	b.WriteString(" Q:")
	b.WriteString(strconv.FormatInt(m.Quantity, 10))
	b.WriteString(" T:")
	b.WriteString(strings.ReplaceAll(string(m.OrderType), " ", "_"))
	b.WriteString(" L:")
	b.WriteString(formatPrice(m.LimitPrice))
	b.WriteString(" S:")
	b.WriteString(formatPrice(m.StopPrice))
	b.WriteString(" D:")
	b.WriteString(strconv.FormatInt(m.SubmittedAt.Unix(), 10))
	b.WriteByte(' ')
	b.WriteString(Sentinel)
	return b.String()
}

// Decode parses a wire-format ref. It returns false for anything that is not
// a well-formed ref produced by Encode; refs set by other tools are common
// and are not an error.
func Decode(ref string) (Meta, bool) {
	fields := strings.Split(ref, " ")
	if len(fields) != fieldCount || fields[fieldCount-1] != Sentinel {
		return Meta{}, false
	}

	vals := make([]string, fieldCount-1)
	for i, prefix := range []string{"A:", "Q:", "T:", "L:", "S:", "D:"} {
		v, ok := strings.CutPrefix(fields[i], prefix)
		if !ok {
			return Meta{}, false
		}
		vals[i] = v
	}

	var m Meta
	m.Action = vals[0]
	if m.Action != ActionBuy && m.Action != ActionSell {
		return Meta{}, false
	}

	qty, err := strconv.ParseInt(vals[1], 10, 64)
	if err != nil || qty < 0 {
		return Meta{}, false
	}
	m.Quantity = qty

	m.OrderType = domain.OrderType(strings.ReplaceAll(vals[2], "_", " "))
	if !m.OrderType.Valid() {
		return Meta{}, false
	}

	if m.LimitPrice, err = parsePrice(vals[3]); err != nil {
		return Meta{}, false
	}
	if m.StopPrice, err = parsePrice(vals[4]); err != nil {
		return Meta{}, false
	}

	secs, err := strconv.ParseInt(vals[5], 10, 64)
	if err != nil {
		return Meta{}, false
	}
	m.SubmittedAt = time.Unix(secs, 0).UTC()

	return m, true
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parsePrice(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if !finite(v) {
		return 0, fmt.Errorf("non-finite price %q", s)
	}
	return v, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
