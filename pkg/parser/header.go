package parser

import (
	"strconv"
	"strings"
)

// Canonical field keys produced by header normalization.
const (
	fieldCode           = "code"
	fieldCodeType       = "code_type"
	fieldDescription    = "description"
	fieldGrossCharge    = "gross_charge"
	fieldDiscountedCash = "discounted_cash"
	fieldMinNegotiated  = "min_negotiated"
	fieldMaxNegotiated  = "max_negotiated"
)

// headerSynonyms fuzzy-maps the header vocabulary hospitals actually use
// onto the canonical fields. Keys are post-normalization (lower-cased,
// punctuation collapsed to underscores).
var headerSynonyms = map[string]string{
	"code":             fieldCode,
	"billing_code":     fieldCode,
	"procedure_code":   fieldCode,
	"service_code":     fieldCode,
	"cpt_code":         fieldCode,
	"cpt":              fieldCode,
	"hcpcs_code":       fieldCode,
	"hcpcs":            fieldCode,
	"drg_code":         fieldCode,
	"drg":              fieldCode,
	"ms_drg":           fieldCode,
	"cpt_hcpcs_code":   fieldCode,

	"code_type":         fieldCodeType,
	"billing_code_type": fieldCodeType,
	"type":              fieldCodeType,

	"description":           fieldDescription,
	"procedure_description": fieldDescription,
	"service_description":   fieldDescription,
	"charge_description":    fieldDescription,
	"item_description":      fieldDescription,
	"procedure_name":        fieldDescription,
	"service_name":          fieldDescription,
	"item":                  fieldDescription,

	"gross_charge":          fieldGrossCharge,
	"gross_charges":         fieldGrossCharge,
	"standard_charge":       fieldGrossCharge,
	"standard_gross_charge": fieldGrossCharge,
	"charge":                fieldGrossCharge,
	"price":                 fieldGrossCharge,
	"rate":                  fieldGrossCharge,
	"amount":                fieldGrossCharge,
	"list_price":            fieldGrossCharge,

	"discounted_cash":       fieldDiscountedCash,
	"discounted_cash_price": fieldDiscountedCash,
	"cash_price":            fieldDiscountedCash,
	"cash":                  fieldDiscountedCash,
	"self_pay":              fieldDiscountedCash,
	"self_pay_price":        fieldDiscountedCash,

	"min_negotiated":            fieldMinNegotiated,
	"minimum":                   fieldMinNegotiated,
	"min":                       fieldMinNegotiated,
	"minimum_negotiated_charge": fieldMinNegotiated,
	"min_negotiated_rate":       fieldMinNegotiated,
	"de_identified_minimum":     fieldMinNegotiated,

	"max_negotiated":            fieldMaxNegotiated,
	"maximum":                   fieldMaxNegotiated,
	"max":                       fieldMaxNegotiated,
	"maximum_negotiated_charge": fieldMaxNegotiated,
	"max_negotiated_rate":       fieldMaxNegotiated,
	"de_identified_maximum":     fieldMaxNegotiated,
}

// normalizeHeader lower-cases and strips punctuation, collapsing runs of
// non-alphanumerics to single underscores: "Gross Charge ($)" becomes
// "gross_charge".
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	var b strings.Builder
	lastUnderscore := true // suppress a leading underscore
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// canonicalField maps a raw header to its canonical field key; unmapped
// headers that look like payer rate columns return ("", payerName, true).
func canonicalField(header string) (field string, payer string, isPayer bool) {
	norm := normalizeHeader(header)
	if f, ok := headerSynonyms[norm]; ok {
		return f, "", false
	}
	// "payer_aetna", "negotiated_rate_cigna_ppo" and friends.
	for _, prefix := range []string{"payer_", "negotiated_rate_", "negotiated_"} {
		if strings.HasPrefix(norm, prefix) && len(norm) > len(prefix) {
			return "", strings.TrimPrefix(norm, prefix), true
		}
	}
	return norm, "", false
}

// parseMoney converts "$1,234.56", "1234.56", " 1,234 " and similar to a
// float; anything unparseable yields zero.
func parseMoney(s string) float64 {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" || s == "-" || strings.EqualFold(s, "n/a") {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// setField assigns one canonical field on the record.
func setField(rec *RawRecord, field, value string) {
	switch field {
	case fieldCode:
		rec.Code = strings.TrimSpace(value)
	case fieldCodeType:
		rec.CodeType = strings.TrimSpace(value)
	case fieldDescription:
		rec.Description = strings.TrimSpace(value)
	case fieldGrossCharge:
		rec.GrossCharge = parseMoney(value)
	case fieldDiscountedCash:
		rec.DiscountedCash = parseMoney(value)
	case fieldMinNegotiated:
		rec.MinNegotiated = parseMoney(value)
	case fieldMaxNegotiated:
		rec.MaxNegotiated = parseMoney(value)
	}
}

// recordFromPairs builds a record from arbitrary key/value pairs using the
// same synonym mapping the CSV header path uses. Used by the Excel, XML and
// generic-JSON paths, where rows arrive as uniform key-to-value maps.
func recordFromPairs(pairs map[string]string) *RawRecord {
	rec := &RawRecord{}
	for k, v := range pairs {
		field, payer, isPayer := canonicalField(k)
		if isPayer {
			if rate := parseMoney(v); rate > 0 {
				if rec.PayerRates == nil {
					rec.PayerRates = make(map[string]float64)
				}
				rec.PayerRates[payer] = rate
			}
			continue
		}
		setField(rec, field, v)
	}
	return rec
}
