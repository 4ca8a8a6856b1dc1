package market

import (
	"errors"
	"fmt"
	"strings"
)

// QuoteVenue lists the exchanges that serve one quote currency.
type QuoteVenue struct {
	Currency  string
	Exchanges []string
}

// Universe is the set of markets the collector tracks. Components receive
// it explicitly instead of reading a package-level table.
type Universe struct {
	Bases  []string
	Quotes []QuoteVenue
}

// NewUniverse normalizes asset codes to upper case and exchange names to lower case.
func NewUniverse(bases []string, quotes []QuoteVenue) Universe {
	u := Universe{}
	for _, b := range bases {
		u.Bases = append(u.Bases, strings.ToUpper(strings.TrimSpace(b)))
	}
	for _, q := range quotes {
		venue := QuoteVenue{Currency: strings.ToUpper(strings.TrimSpace(q.Currency))}
		for _, ex := range q.Exchanges {
			venue.Exchanges = append(venue.Exchanges, strings.ToLower(strings.TrimSpace(ex)))
		}
		u.Quotes = append(u.Quotes, venue)
	}
	return u
}

func (u Universe) Validate() error {
	if len(u.Bases) == 0 {
		return errors.New("universe: no base assets")
	}
	if len(u.Quotes) == 0 {
		return errors.New("universe: no quote currencies")
	}
	seen := map[string]bool{}
	for _, q := range u.Quotes {
		if q.Currency == "" {
			return errors.New("universe: empty quote currency")
		}
		if seen[q.Currency] {
			return fmt.Errorf("universe: duplicate quote currency %s", q.Currency)
		}
		seen[q.Currency] = true
		if len(q.Exchanges) == 0 {
			return fmt.Errorf("universe: quote %s has no exchanges", q.Currency)
		}
	}
	return nil
}

// Markets returns every (base, quote) market in configuration order.
func (u Universe) Markets() []Market {
	out := make([]Market, 0, len(u.Bases)*len(u.Quotes))
	for _, b := range u.Bases {
		out = append(out, u.MarketsForBase(b)...)
	}
	return out
}

// MarketsForBase returns one market per configured quote currency.
func (u Universe) MarketsForBase(base string) []Market {
	out := make([]Market, 0, len(u.Quotes))
	for _, q := range u.Quotes {
		out = append(out, New(base, q.Currency))
	}
	return out
}

// ExchangesFor returns the exchanges serving a quote currency.
func (u Universe) ExchangesFor(quote string) []string {
	quote = strings.ToUpper(quote)
	for _, q := range u.Quotes {
		if q.Currency == quote {
			return q.Exchanges
		}
	}
	return nil
}

// QuotesFor returns the quote currencies an exchange serves.
func (u Universe) QuotesFor(exchange string) []string {
	exchange = strings.ToLower(exchange)
	var out []string
	for _, q := range u.Quotes {
		for _, ex := range q.Exchanges {
			if ex == exchange {
				out = append(out, q.Currency)
				break
			}
		}
	}
	return out
}

// HasBase reports whether base is tracked.
func (u Universe) HasBase(base string) bool {
	base = strings.ToUpper(base)
	for _, b := range u.Bases {
		if b == base {
			return true
		}
	}
	return false
}
