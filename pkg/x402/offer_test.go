package x402

import "testing"

func TestParseOffer(t *testing.T) {
	o, err := ParseOffer("amountCents=1500; currency=usd; providerId=prov_1; toolId=tool_1; quoteRequired=true; requestBindingMode=STRICT")
	if err != nil {
		t.Fatalf("ParseOffer() error = %v", err)
	}
	if o.AmountCents != 1500 || o.Currency != "USD" || o.ProviderID != "prov_1" || o.ToolID != "tool_1" {
		t.Errorf("offer = %+v", o)
	}
	if !o.QuoteRequired || o.RequestBindingMode != "strict" {
		t.Errorf("offer flags = %+v", o)
	}
}

func TestParseOffer_AmountSpellings(t *testing.T) {
	for _, header := range []string{
		"amountCents=250",
		"amount_cents=250",
		"priceCents=250",
		"price=250",
	} {
		o, err := ParseOffer(header)
		if err != nil {
			t.Errorf("ParseOffer(%q) error = %v", header, err)
			continue
		}
		if o.AmountCents != 250 || o.Currency != "USD" {
			t.Errorf("ParseOffer(%q) = %+v", header, o)
		}
	}
}

func TestParseOffer_UnknownKeysTolerated(t *testing.T) {
	o, err := ParseOffer("amountCents=100; currency=EUR; x-future=yes")
	if err != nil {
		t.Fatalf("ParseOffer() error = %v", err)
	}
	if o.Extra["x-future"] != "yes" {
		t.Errorf("extras = %v", o.Extra)
	}
}

func TestParseOffer_Invalid(t *testing.T) {
	for _, header := range []string{
		"",
		"currency=USD",
		"amountCents=abc",
		"amountCents=0",
		"amountCents=-5",
		"amountCents",
	} {
		if _, err := ParseOffer(header); err == nil {
			t.Errorf("ParseOffer(%q) accepted", header)
		}
	}
}

func TestOfferEncodeRoundTrip(t *testing.T) {
	in := Offer{
		AmountCents:        4200,
		Currency:           "USD",
		ProviderID:         "prov_9",
		QuoteRequired:      true,
		RequestBindingMode: "strict",
		Extra:              map[string]string{"region": "eu"},
	}
	out, err := ParseOffer(in.Encode())
	if err != nil {
		t.Fatalf("ParseOffer(Encode()) error = %v", err)
	}
	if out.AmountCents != in.AmountCents || out.ProviderID != in.ProviderID ||
		!out.QuoteRequired || out.RequestBindingMode != "strict" || out.Extra["region"] != "eu" {
		t.Errorf("round trip = %+v", out)
	}
}
