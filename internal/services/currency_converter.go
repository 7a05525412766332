package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	domain "github.com/tripfare/api/internal/domain"
)

// FallbackCurrency is resolved for destinations missing from the country table.
const FallbackCurrency = "USD"

// ErrRateNotFound is returned when no direct or inverse rate exists for a currency pair.
var ErrRateNotFound = errors.New("currency: exchange rate not found")

type countryCurrency struct {
	code   string
	symbol string
}

var countryCurrencies = map[string]countryCurrency{
	"IN": {"INR", "₹"},
	"US": {"USD", "$"},
	"GB": {"GBP", "£"},
	"FR": {"EUR", "€"},
	"DE": {"EUR", "€"},
	"IT": {"EUR", "€"},
	"ES": {"EUR", "€"},
	"NL": {"EUR", "€"},
	"GR": {"EUR", "€"},
	"CH": {"CHF", "CHF"},
	"AE": {"AED", "د.إ"},
	"SG": {"SGD", "S$"},
	"TH": {"THB", "฿"},
	"ID": {"IDR", "Rp"},
	"MY": {"MYR", "RM"},
	"JP": {"JPY", "¥"},
	"KR": {"KRW", "₩"},
	"VN": {"VND", "₫"},
	"AU": {"AUD", "A$"},
	"NZ": {"NZD", "NZ$"},
	"MV": {"MVR", "Rf"},
	"LK": {"LKR", "Rs"},
	"NP": {"NPR", "Rs"},
	"CA": {"CAD", "C$"},
	"ZA": {"ZAR", "R"},
	"TR": {"TRY", "₺"},
}

var countryNames = map[string]string{
	"india": "IN", "united states": "US", "usa": "US", "united kingdom": "GB", "uk": "GB",
	"france": "FR", "germany": "DE", "italy": "IT", "spain": "ES", "netherlands": "NL",
	"greece": "GR", "switzerland": "CH", "united arab emirates": "AE", "uae": "AE",
	"singapore": "SG", "thailand": "TH", "indonesia": "ID", "malaysia": "MY", "japan": "JP",
	"south korea": "KR", "korea": "KR", "vietnam": "VN", "australia": "AU", "new zealand": "NZ",
	"maldives": "MV", "sri lanka": "LK", "nepal": "NP", "canada": "CA", "south africa": "ZA",
	"turkey": "TR",
}

var zeroDecimalCurrencies = map[string]bool{"JPY": true, "KRW": true, "VND": true}

// CurrencyConverter converts amounts with a margin-adjusted rate table. The table is replaced
// atomically by SetRates and is safe for concurrent readers.
type CurrencyConverter struct {
	mu    sync.RWMutex
	rates map[string]domain.ExchangeRate
}

// NewCurrencyConverter builds a converter seeded with rates.
func NewCurrencyConverter(rates ...domain.ExchangeRate) *CurrencyConverter {
	c := &CurrencyConverter{}
	c.SetRates(rates)
	return c
}

// SetRates replaces the whole rate table.
func (c *CurrencyConverter) SetRates(rates []domain.ExchangeRate) {
	next := make(map[string]domain.ExchangeRate, len(rates))
	for _, rate := range rates {
		rate.From = normalizeCurrencyCode(rate.From)
		rate.To = normalizeCurrencyCode(rate.To)
		if rate.From == "" || rate.To == "" || rate.RawRate <= 0 {
			continue
		}
		next[rateKey(rate.From, rate.To)] = rate
	}
	c.mu.Lock()
	c.rates = next
	c.mu.Unlock()
}

// Rates returns the current table sorted by pair.
func (c *CurrencyConverter) Rates() []domain.ExchangeRate {
	c.mu.RLock()
	out := make([]domain.ExchangeRate, 0, len(c.rates))
	for _, rate := range c.rates {
		out = append(out, rate)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].From == out[j].From {
			return out[i].To < out[j].To
		}
		return out[i].From < out[j].From
	})
	return out
}

// UpdatedAt returns the newest UpdatedAt across the table. It reports false for an empty table.
func (c *CurrencyConverter) UpdatedAt() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var latest time.Time
	for _, rate := range c.rates {
		if rate.UpdatedAt.After(latest) {
			latest = rate.UpdatedAt
		}
	}
	return latest, len(c.rates) > 0
}

// EffectiveRate returns the multiplier converting from into to. A missing direct pair falls back
// to the inverse of the reverse pair.
func (c *CurrencyConverter) EffectiveRate(from, to string) (float64, error) {
	from = normalizeCurrencyCode(from)
	to = normalizeCurrencyCode(to)
	if from == to {
		return 1, nil
	}
	c.mu.RLock()
	direct, okDirect := c.rates[rateKey(from, to)]
	reverse, okReverse := c.rates[rateKey(to, from)]
	c.mu.RUnlock()

	if okDirect {
		return direct.Effective(), nil
	}
	if okReverse {
		if eff := reverse.Effective(); eff > 0 {
			return 1 / eff, nil
		}
	}
	return 0, fmt.Errorf("%w: %s to %s", ErrRateNotFound, from, to)
}

// Convert multiplies amount by the effective rate. No rounding is applied.
func (c *CurrencyConverter) Convert(amount float64, from, to string) (float64, error) {
	rate, err := c.EffectiveRate(from, to)
	if err != nil {
		return 0, err
	}
	return amount * rate, nil
}

// ResolveCurrency maps an ISO country code or common country name to its currency. Unknown
// countries resolve to USD.
func (c *CurrencyConverter) ResolveCurrency(country string) domain.CurrencyInfo {
	return ResolveCurrency(country)
}

// ResolveCurrency is the package-level form of CurrencyConverter.ResolveCurrency; the country
// table is static.
func ResolveCurrency(country string) domain.CurrencyInfo {
	entry, ok := countryCurrencies[CountryCode(country)]
	if !ok {
		entry = countryCurrencies["US"]
	}
	return domain.CurrencyInfo{
		Code:     entry.code,
		Symbol:   entry.symbol,
		Decimals: CurrencyDecimals(entry.code),
	}
}

// CountryCode maps a common country name to its ISO alpha-2 code. Anything else is returned
// trimmed and upper-cased.
func CountryCode(country string) string {
	key := strings.TrimSpace(country)
	if code, ok := countryNames[strings.ToLower(key)]; ok {
		return code
	}
	return strings.ToUpper(key)
}

// CurrencyDecimals reports the display precision for code: zero for currencies without minor
// units in common use, two otherwise.
func CurrencyDecimals(code string) int {
	code = normalizeCurrencyCode(code)
	if zeroDecimalCurrencies[code] {
		return 0
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 2
	}
	if scale, _ := currency.Standard.Rounding(unit); scale == 0 {
		return 0
	}
	return 2
}

// Round rounds amount to the canonical precision of code. Use it for display only; arithmetic
// should keep full precision.
func Round(amount float64, code string) float64 {
	return decimal.NewFromFloat(amount).Round(int32(CurrencyDecimals(code))).InexactFloat64()
}

// Format renders amount with the currency symbol and digit grouping, e.g. "₹1,180.00".
func Format(amount float64, code string) string {
	code = normalizeCurrencyCode(code)
	decimals := CurrencyDecimals(code)
	rounded := decimal.NewFromFloat(amount).Round(int32(decimals)).InexactFloat64()
	symbol := code
	for _, entry := range countryCurrencies {
		if entry.code == code {
			symbol = entry.symbol
			break
		}
	}
	printer := message.NewPrinter(language.English)
	return symbol + printer.Sprint(number.Decimal(rounded, number.Scale(decimals)))
}

func rateKey(from, to string) string {
	return from + "/" + to
}

func normalizeCurrencyCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
