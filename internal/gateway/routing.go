package gateway

import "strings"

// Default routing for symbols without an explicit entry.
const (
	DefaultExchange = "SMART"
	DefaultSecType  = "STK"
	DefaultCurrency = "USD"
)

// Routing maps symbols to exchange and security type, falling back to the
// defaults for anything not listed.
type Routing struct {
	exchanges map[string]string
	secTypes  map[string]string
}

// DefaultRouting returns the routing table used for US equities.
func DefaultRouting() *Routing {
	return &Routing{
		exchanges: map[string]string{
			"VIX": "CBOE",
			"GLD": "ARCA",
			"GDX": "ARCA",
		},
		secTypes: map[string]string{
			"VIX": "IND",
		},
	}
}

// SetExchange overrides the exchange for symbol.
func (r *Routing) SetExchange(symbol, exchange string) {
	r.exchanges[strings.ToUpper(symbol)] = exchange
}

// SetSecType overrides the security type for symbol.
func (r *Routing) SetSecType(symbol, secType string) {
	r.secTypes[strings.ToUpper(symbol)] = secType
}

// Exchange returns the exchange for symbol.
func (r *Routing) Exchange(symbol string) string {
	return lookupOrDefault(r.exchanges, strings.ToUpper(symbol), DefaultExchange)
}

// SecType returns the security type for symbol.
func (r *Routing) SecType(symbol string) string {
	return lookupOrDefault(r.secTypes, strings.ToUpper(symbol), DefaultSecType)
}

// Contract builds a routed contract for symbol.
func (r *Routing) Contract(symbol string) Contract {
	return Contract{
		Symbol:   strings.ToUpper(symbol),
		SecType:  r.SecType(symbol),
		Exchange: r.Exchange(symbol),
		Currency: DefaultCurrency,
	}
}

func lookupOrDefault(m map[string]string, key, def string) string {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}
