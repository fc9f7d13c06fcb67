package parser

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// jsonStream iterates records from a whole-document parse; JSON files are
// assumed to fit in memory.
type jsonStream struct {
	records []*RawRecord
	i       int
	skipped int
}

// wrapperKeys are generic top-level array holders seen in the wild.
var wrapperKeys = []string{"prices", "items", "charges", "data", "records", "services"}

// newJSONStream parses the document with structural fallback across the
// known shapes: a flat array of records, the CMS-style
// standard_charge_information document, and a generic wrapper object.
func newJSONStream(data []byte) (*jsonStream, error) {
	s := &jsonStream{}

	var arr []any
	if err := json.Unmarshal(data, &arr); err == nil {
		s.addGeneric(arr)
		return s, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("unrecognized json document: %w", err)
	}

	if sci, ok := obj["standard_charge_information"].([]any); ok {
		s.addCMS(sci)
		return s, nil
	}

	for _, key := range wrapperKeys {
		if inner, ok := obj[key].([]any); ok {
			s.addGeneric(inner)
			return s, nil
		}
	}

	return nil, fmt.Errorf("unrecognized json document shape (keys: %s)", topKeys(obj))
}

func (s *jsonStream) Next() (*RawRecord, error) {
	if s.i >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.i]
	s.i++
	return rec, nil
}

func (s *jsonStream) Skipped() int {
	return s.skipped
}

// addGeneric maps loosely-keyed record objects through the same synonym
// table the CSV path uses.
func (s *jsonStream) addGeneric(items []any) {
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			s.skipped++
			continue
		}
		rec := recordFromPairs(stringifyMap(m))

		// Structured payer-rate maps override column-style extraction.
		for _, key := range []string{"payer_rates", "payers", "negotiated_rates"} {
			if rates, ok := m[key].(map[string]any); ok {
				for payer, v := range rates {
					if rate := anyToFloat(v); rate > 0 {
						if rec.PayerRates == nil {
							rec.PayerRates = make(map[string]float64)
						}
						rec.PayerRates[payer] = rate
					}
				}
			}
		}

		if !rec.Valid() {
			s.skipped++
			continue
		}
		s.records = append(s.records, rec)
	}
}

// addCMS maps CMS standard_charge_information entries: one record per
// entry, using its first code_information element and aggregating across
// its standard_charges.
func (s *jsonStream) addCMS(items []any) {
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			s.skipped++
			continue
		}
		rec := &RawRecord{}
		rec.Description, _ = entry["description"].(string)

		if codes, ok := entry["code_information"].([]any); ok && len(codes) > 0 {
			if ci, ok := codes[0].(map[string]any); ok {
				rec.Code = anyToString(ci["code"])
				rec.CodeType = anyToString(ci["type"])
			}
		}

		if charges, ok := entry["standard_charges"].([]any); ok {
			for _, c := range charges {
				sc, ok := c.(map[string]any)
				if !ok {
					continue
				}
				if v := anyToFloat(sc["gross_charge"]); v > 0 {
					rec.GrossCharge = v
				}
				if v := anyToFloat(sc["discounted_cash"]); v > 0 {
					rec.DiscountedCash = v
				}
				if v := anyToFloat(sc["minimum"]); v > 0 {
					rec.MinNegotiated = v
				}
				if v := anyToFloat(sc["maximum"]); v > 0 {
					rec.MaxNegotiated = v
				}
				if payers, ok := sc["payers_information"].([]any); ok {
					for _, p := range payers {
						pi, ok := p.(map[string]any)
						if !ok {
							continue
						}
						name := anyToString(pi["payer_name"])
						rate := anyToFloat(pi["standard_charge_dollar"])
						if rate == 0 {
							rate = anyToFloat(pi["negotiated_dollar"])
						}
						if name != "" && rate > 0 {
							if rec.PayerRates == nil {
								rec.PayerRates = make(map[string]float64)
							}
							rec.PayerRates[name] = rate
						}
					}
				}
			}
		}

		if !rec.Valid() {
			s.skipped++
			continue
		}
		s.records = append(s.records, rec)
	}
}

func stringifyMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch v.(type) {
		case map[string]any, []any, nil:
			continue
		default:
			out[k] = anyToString(v)
		}
	}
	return out
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func anyToFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		return parseMoney(t)
	default:
		return 0
	}
}

func topKeys(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
		if len(keys) == 5 {
			break
		}
	}
	return strings.Join(keys, ",")
}
