package orderref

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"brokerlink/internal/domain"
)

func TestEncodeFormat(t *testing.T) {
	m := Meta{
		Action:      ActionBuy,
		Quantity:    100,
		OrderType:   domain.OrderTypeStopLimit,
		LimitPrice:  101.25,
		StopPrice:   100,
		SubmittedAt: time.Unix(1717430400, 0).UTC(),
	}
	require.Equal(t, "A:BUY Q:100 T:STP_LMT L:101.25 S:100 D:1717430400 !ZL", Encode(m))

	got, ok := Decode(Encode(m))
	require.True(t, ok)
	require.Equal(t, m, got)
}

func TestDecodeRejects(t *testing.T) {
	refs := []string{
		"",
		"manual order",
		"A:BUY Q:100 T:LMT L:1 S:0 D:1717430400", // no sentinel
		"A:BUY Q:100 T:LMT L:1 S:0 D:1717430400 !XX",       // wrong sentinel
		"A:BUY Q:100 T:LMT L:1 S:0 D:1717430400 extra !ZL", // too many fields
		"A:HOLD Q:100 T:LMT L:1 S:0 D:1717430400 !ZL",      // unknown action
		"A:BUY Q:abc T:LMT L:1 S:0 D:1717430400 !ZL",       // bad qty
		"A:BUY Q:-5 T:LMT L:1 S:0 D:1717430400 !ZL",        // negative qty
		"A:BUY Q:100 T:PEG L:1 S:0 D:1717430400 !ZL",       // unknown type
		"A:BUY Q:100 T:LMT L:NaN S:0 D:1717430400 !ZL",     // NaN price
		"A:BUY Q:100 T:LMT L:1 S:+Inf D:1717430400 !ZL",    // Inf price
		"A:BUY Q:100 T:LMT L:1 S:0 D:soon !ZL",             // bad time
		"B:BUY Q:100 T:LMT L:1 S:0 D:1717430400 !ZL",       // wrong prefix
		"A:BUY  Q:100 T:LMT L:1 S:0 D:1717430400 !ZL",      // double space
		"A:BUY Q:100 T:STP LMT L:1 S:0 D:1717430400 !ZL",   // raw space in type
	}
	for _, ref := range refs {
		_, ok := Decode(ref)
		require.False(t, ok, "Decode(%q) should fail", ref)
	}
}

func TestNewFromAmount(t *testing.T) {
	at := time.Date(2024, 6, 3, 14, 30, 15, 999, time.UTC)
	m := New(-40, domain.LimitOrder(99.5), at)
	require.Equal(t, ActionSell, m.Action)
	require.Equal(t, int64(40), m.Quantity)
	require.Equal(t, int64(-40), m.Amount())
	require.NoError(t, m.Validate())
	require.Equal(t, at.Truncate(time.Second), m.SubmittedAt)
}

func TestValidate(t *testing.T) {
	base := New(10, domain.MarketOrder(), time.Unix(1700000000, 0))
	require.NoError(t, base.Validate())

	bad := base
	bad.Action = "BOT"
	require.ErrorIs(t, bad.Validate(), ErrInvalidMeta)

	bad = base
	bad.LimitPrice = math.Inf(1)
	require.ErrorIs(t, bad.Validate(), ErrInvalidMeta)

	bad = base
	bad.SubmittedAt = time.Unix(1700000000, 5)
	require.ErrorIs(t, bad.Validate(), ErrInvalidMeta)
}

func genMeta() *rapid.Generator[Meta] {
	return rapid.Custom(func(t *rapid.T) Meta {
		return Meta{
			Action:      rapid.SampledFrom([]string{ActionBuy, ActionSell}).Draw(t, "action"),
			Quantity:    rapid.Int64Range(0, 1_000_000_000).Draw(t, "qty"),
			OrderType:   rapid.SampledFrom([]domain.OrderType{domain.OrderTypeMarket, domain.OrderTypeLimit, domain.OrderTypeStop, domain.OrderTypeStopLimit}).Draw(t, "type"),
			LimitPrice:  rapid.Float64Range(0, 1e7).Draw(t, "limit"),
			StopPrice:   rapid.Float64Range(0, 1e7).Draw(t, "stop"),
			SubmittedAt: time.Unix(rapid.Int64Range(0, 4_000_000_000).Draw(t, "secs"), 0).UTC(),
		}
	})
}

func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := genMeta().Draw(t, "meta")
		if err := m.Validate(); err != nil {
			t.Fatalf("generated invalid meta: %v", err)
		}
		got, ok := Decode(Encode(m))
		if !ok {
			t.Fatalf("Decode(Encode(%+v)) failed", m)
		}
		if got.Action != m.Action || got.Quantity != m.Quantity || got.OrderType != m.OrderType {
			t.Fatalf("round trip = %+v, want %+v", got, m)
		}
		if got.LimitPrice != m.LimitPrice || got.StopPrice != m.StopPrice {
			t.Fatalf("prices = %v/%v, want %v/%v", got.LimitPrice, got.StopPrice, m.LimitPrice, m.StopPrice)
		}
		if !got.SubmittedAt.Equal(m.SubmittedAt) {
			t.Fatalf("SubmittedAt = %v, want %v", got.SubmittedAt, m.SubmittedAt)
		}
	})
}
