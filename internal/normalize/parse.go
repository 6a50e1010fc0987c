package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

var (
	firstNumber = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	currencyRe  = regexp.MustCompile(`^[A-Za-z]{3}$`)
)

// freeWords are delivery-charge descriptors that mean zero cost.
var freeWords = []string{"free", "no charge", "no delivery charge"}

// parseMoney coerces a raw price value into a decimal. Strings may carry
// currency symbols and thousands separators ("₹1,299.00", "$ 99"). The
// second return is false when the value is absent or carries no digits.
func parseMoney(v any) (decimal.Decimal, bool, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Decimal{}, false, nil
	case decimal.Decimal:
		return x, true, nil
	case *decimal.Decimal:
		if x == nil {
			return decimal.Decimal{}, false, nil
		}
		return *x, true, nil
	case float64:
		return decimal.NewFromFloat(x), true, nil
	case float32:
		return decimal.NewFromFloat32(x), true, nil
	case int:
		return decimal.NewFromInt(int64(x)), true, nil
	case int64:
		return decimal.NewFromInt(x), true, nil
	case string:
		return parseMoneyText(x)
	default:
		return decimal.Decimal{}, false, fmt.Errorf("unsupported type %T", v)
	}
}

func parseMoneyText(s string) (decimal.Decimal, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false, nil
	}
	negative := strings.HasPrefix(s, "-") || strings.HasPrefix(s, "−")
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), ".")
	if cleaned == "" {
		return decimal.Decimal{}, false, nil
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("parse %q: %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, true, nil
}

// parseNumber extracts the first number from v ("4.3 out of 5", "25% off").
func parseNumber(v any) (decimal.Decimal, bool, error) {
	if s, ok := v.(string); ok {
		m := firstNumber.FindString(strings.ReplaceAll(s, ",", ""))
		if m == "" {
			return decimal.Decimal{}, false, nil
		}
		d, err := decimal.NewFromString(m)
		if err != nil {
			return decimal.Decimal{}, false, fmt.Errorf("parse %q: %w", s, err)
		}
		return d, true, nil
	}
	return parseMoney(v)
}

func parseCount(v any) (*int64, bool) {
	switch x := v.(type) {
	case int:
		n := int64(x)
		return &n, true
	case int64:
		return &x, true
	case float64:
		n := int64(x)
		return &n, true
	case string:
		var b strings.Builder
		for _, r := range x {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		if b.Len() == 0 {
			return nil, false
		}
		n, err := strconv.ParseInt(b.String(), 10, 64)
		if err != nil {
			return nil, false
		}
		return &n, true
	}
	return nil, false
}

func stringField(raw domain.RawFields, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case fmt.Stringer:
		return strings.TrimSpace(x.String())
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

func timeField(raw domain.RawFields, key string) (time.Time, bool) {
	switch x := raw[key].(type) {
	case time.Time:
		return x.UTC(), !x.IsZero()
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
				return t.UTC(), true
			}
		}
	case int64:
		return time.Unix(x, 0).UTC(), true
	}
	return time.Time{}, false
}

// normalizeAvailability maps free text onto the availability enum. Negative
// phrases are checked first since "unavailable" contains "available".
func normalizeAvailability(text string) domain.Availability {
	t := strings.ToLower(strings.TrimSpace(text))
	switch domain.Availability(t) {
	case domain.AvailabilityInStock, domain.AvailabilityOutOfStock,
		domain.AvailabilityPreOrder, domain.AvailabilityUnknown:
		return domain.Availability(t)
	}
	switch {
	case t == "":
		return domain.AvailabilityUnknown
	case containsAny(t, "out of stock", "unavailable", "sold out", "currently unavailable"):
		return domain.AvailabilityOutOfStock
	case containsAny(t, "pre-order", "preorder", "pre order", "coming soon"):
		return domain.AvailabilityPreOrder
	case containsAny(t, "in stock", "available", "add to cart", "buy now", "only", "left"):
		return domain.AvailabilityInStock
	default:
		return domain.AvailabilityUnknown
	}
}

func classifyOffer(text string) domain.OfferKind {
	t := strings.ToLower(text)
	switch {
	case containsAny(t, "cashback"):
		return domain.OfferCashback
	case containsAny(t, "no cost emi", "emi"):
		return domain.OfferEMI
	case containsAny(t, "exchange"):
		return domain.OfferExchange
	case containsAny(t, "coupon", "promo code"):
		return domain.OfferCoupon
	case containsAny(t, "bank", "credit card", "debit card", "card"):
		return domain.OfferBank
	default:
		return domain.OfferOther
	}
}

// parseOffers accepts a string, a []string, a []any of strings, or a []any of
// {"kind","text"} maps, preserving order and dropping blanks.
func parseOffers(v any) []domain.Offer {
	var texts []string
	var offers []domain.Offer
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		for _, part := range strings.FieldsFunc(x, func(r rune) bool { return r == '\n' || r == ';' || r == '|' }) {
			texts = append(texts, part)
		}
	case []string:
		texts = x
	case []domain.Offer:
		return append([]domain.Offer(nil), x...)
	case []any:
		for _, item := range x {
			switch it := item.(type) {
			case string:
				texts = append(texts, it)
			case map[string]any:
				text, _ := it["text"].(string)
				kind, _ := it["kind"].(string)
				text = strings.TrimSpace(text)
				if text == "" && kind == "" {
					continue
				}
				k := domain.OfferKind(strings.ToLower(kind))
				if k == "" {
					k = classifyOffer(text)
				}
				offers = append(offers, domain.Offer{Kind: k, Text: text})
			}
		}
	}
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		offers = append(offers, domain.Offer{Kind: classifyOffer(t), Text: t})
	}
	return offers
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
