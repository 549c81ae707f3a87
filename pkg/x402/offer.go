package x402

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Offer is a provider's parsed x-payment-required header.
type Offer struct {
	AmountCents            int64
	Currency               string
	ProviderID             string
	ToolID                 string
	QuoteID                string
	QuoteRequired          bool
	RequestBindingMode     string
	SpendAuthorizationMode string

	// Extra holds unrecognized keys verbatim. Unknown keys are tolerated
	// so providers can extend the offer without breaking older gateways.
	Extra map[string]string
}

// amountKeys are accepted spellings for the price, all in integer cents.
var amountKeys = []string{"amountCents", "amount_cents", "priceCents", "price"}

// ParseOffer decodes an x-payment-required header of semicolon-separated
// k=v pairs. The amount is required; currency defaults to USD.
func ParseOffer(header string) (Offer, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return Offer{}, errors.New("x402: empty payment-required header")
	}

	pairs := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return Offer{}, fmt.Errorf("x402: malformed offer segment %q", part)
		}
		pairs[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	offer := Offer{Currency: "USD"}
	var amountSet bool
	for _, key := range amountKeys {
		v, ok := pairs[key]
		if !ok {
			continue
		}
		cents, err := strconv.ParseInt(v, 10, 64)
		if err != nil || cents <= 0 {
			return Offer{}, fmt.Errorf("x402: offer amount %q is not a positive integer of cents", v)
		}
		offer.AmountCents = cents
		amountSet = true
		delete(pairs, key)
		break
	}
	if !amountSet {
		return Offer{}, errors.New("x402: offer is missing an amount")
	}
	for _, key := range amountKeys {
		delete(pairs, key)
	}

	if v, ok := pairs["currency"]; ok {
		offer.Currency = strings.ToUpper(v)
		delete(pairs, "currency")
	}
	offer.ProviderID = take(pairs, "providerId")
	offer.ToolID = take(pairs, "toolId")
	offer.QuoteID = take(pairs, "quoteId")
	offer.RequestBindingMode = strings.ToLower(take(pairs, "requestBindingMode"))
	offer.SpendAuthorizationMode = strings.ToLower(take(pairs, "spendAuthorizationMode"))
	if v := take(pairs, "quoteRequired"); v != "" {
		offer.QuoteRequired = v == "true" || v == "1"
	}

	if len(pairs) > 0 {
		offer.Extra = pairs
	}
	return offer, nil
}

func take(pairs map[string]string, key string) string {
	v := pairs[key]
	delete(pairs, key)
	return v
}

// Encode renders the offer back into header form, known keys first and
// extras in sorted order. Inverse of ParseOffer for well-formed offers.
func (o Offer) Encode() string {
	parts := []string{
		"amountCents=" + strconv.FormatInt(o.AmountCents, 10),
		"currency=" + o.Currency,
	}
	appendIf := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+value)
		}
	}
	appendIf("providerId", o.ProviderID)
	appendIf("toolId", o.ToolID)
	appendIf("quoteId", o.QuoteID)
	if o.QuoteRequired {
		parts = append(parts, "quoteRequired=true")
	}
	appendIf("requestBindingMode", o.RequestBindingMode)
	appendIf("spendAuthorizationMode", o.SpendAuthorizationMode)

	extras := make([]string, 0, len(o.Extra))
	for k, v := range o.Extra {
		extras = append(extras, k+"="+v)
	}
	sort.Strings(extras)
	return strings.Join(append(parts, extras...), "; ")
}
