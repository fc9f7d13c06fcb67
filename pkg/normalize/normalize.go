// Package normalize classifies, categorizes and quality-scores parsed
// price records. Everything here is a pure function over record fields so
// the normalize stage can run the same record twice and get the same
// answer.
package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/glimmr/pricepipe/pkg/core"
)

var (
	cptPattern   = regexp.MustCompile(`^\d{5}$`)
	drgPattern   = regexp.MustCompile(`^\d{3}$`)
	hcpcsPattern = regexp.MustCompile(`^[A-Z]\d{4}$`)
	icd10Pattern = regexp.MustCompile(`^[A-Z]\d{2}`)
)

// ClassifyCode determines the billing code system from the code's shape,
// falling back to the file's declared type hint when the shape is
// ambiguous. Prefixed forms like "MS-DRG 470" are recognized by stripping
// the label.
func ClassifyCode(code, hint string) (string, string) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", core.CodeTypeOther
	}

	if stripped, ok := stripLabel(code); ok {
		code = stripped
	}

	switch {
	case cptPattern.MatchString(code):
		return code, core.CodeTypeCPT
	case drgPattern.MatchString(code):
		return code, core.CodeTypeDRG
	case hcpcsPattern.MatchString(code):
		return code, core.CodeTypeHCPCS
	case icd10Pattern.MatchString(code):
		return code, core.CodeTypeICD10
	}

	if ht := normalizeHint(hint); ht != "" {
		return code, ht
	}
	return code, core.CodeTypeOther
}

// stripLabel removes a leading code-system label: "CPT 99213", "MS-DRG 470",
// "HCPCS: A0428".
func stripLabel(code string) (string, bool) {
	for _, label := range []string{"MS-DRG", "MSDRG", "DRG", "CPT", "HCPCS", "ICD-10", "ICD10"} {
		if strings.HasPrefix(code, label) {
			rest := strings.TrimLeft(code[len(label):], " :-")
			if rest != "" {
				return rest, true
			}
		}
	}
	return code, false
}

func normalizeHint(hint string) string {
	switch strings.ToUpper(strings.TrimSpace(strings.ReplaceAll(hint, "-", ""))) {
	case "CPT":
		return core.CodeTypeCPT
	case "DRG", "MSDRG":
		return core.CodeTypeDRG
	case "HCPCS":
		return core.CodeTypeHCPCS
	case "ICD10", "ICD10CM", "ICD10PCS":
		return core.CodeTypeICD10
	}
	return ""
}

// categoryKeywords maps service categories to description keywords,
// checked in order so more specific categories win.
var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"emergency", []string{"emergency", "er visit", "trauma"}},
	{"maternity", []string{"delivery", "cesarean", "obstetric", "maternity", "newborn"}},
	{"cardiology", []string{"cardiac", "heart", "angiogra", "catheteriz", "echocardio", "ekg", "ecg"}},
	{"orthopedic", []string{"knee", "hip", "joint", "spine", "fracture", "orthopedic", "arthroscop"}},
	{"mental_health", []string{"psychiatric", "psychotherapy", "behavioral health", "mental health"}},
	{"surgery", []string{"surgery", "surgical", "excision", "incision", "laparoscop", "-ectomy", "ectomy"}},
	{"imaging", []string{"mri", "ct scan", "x-ray", "xray", "ultrasound", "imaging", "radiolog", "mammogra", "pet scan"}},
	{"laboratory", []string{"lab ", "laboratory", "panel", "blood", "urinalysis", "culture", "assay", "pathology"}},
	{"pharmacy", []string{"drug", "pharmacy", "injection", "infusion", "mg ", "tablet", "vaccine"}},
	{"therapy", []string{"physical therapy", "occupational therapy", "speech therapy", "rehab", "therapeutic exercise"}},
}

// cptRanges maps numeric CPT code ranges to categories, used when the
// description gives nothing away.
var cptRanges = []struct {
	lo, hi   int
	category string
}{
	{10000, 69999, "surgery"},
	{70000, 79999, "imaging"},
	{80000, 89999, "laboratory"},
	{90800, 90899, "mental_health"},
	{97000, 97799, "therapy"},
	{99281, 99288, "emergency"},
}

// Categorize assigns a service category from the description, with a CPT
// range fallback. Unmatched records get "uncategorized".
func Categorize(description, code, codeType string) string {
	desc := strings.ToLower(description)
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(desc, w) {
				return ck.category
			}
		}
	}

	if codeType == core.CodeTypeCPT {
		if n, err := strconv.Atoi(code); err == nil {
			for _, r := range cptRanges {
				if n >= r.lo && n <= r.hi {
					return r.category
				}
			}
		}
	}
	return "uncategorized"
}

// PayerBounds returns the min and max across payer rates, merged with any
// bounds the file itself declared.
func PayerBounds(rates map[string]float64, declaredMin, declaredMax float64) (min, max float64) {
	min, max = declaredMin, declaredMax
	for _, r := range rates {
		if r <= 0 {
			continue
		}
		if min == 0 || r < min {
			min = r
		}
		if r > max {
			max = r
		}
	}
	return min, max
}

// Quality rubric weights. Negotiated rates are the fields regulators and
// consumers actually want, so they dominate the score.
const (
	weightCode        = 2
	weightDescription = 1
	weightGrossCharge = 2
	weightNegotiated  = 3
	weightCashPrice   = 1
	weightCategory    = 1

	weightTotal = weightCode + weightDescription + weightGrossCharge +
		weightNegotiated + weightCashPrice + weightCategory
)

// ScoreQuality assigns a completeness tier to a normalized record.
func ScoreQuality(rec *core.PriceRecord) core.QualityTier {
	score := 0
	if rec.Code != "" && rec.CodeType != core.CodeTypeOther {
		score += weightCode
	}
	if rec.Description != "" {
		score += weightDescription
	}
	if rec.GrossCharge > 0 {
		score += weightGrossCharge
	}
	// PayerBounds runs before scoring, so payer-level rates surface here
	// through the min/max fields.
	if rec.MinNegotiatedRate > 0 || rec.MaxNegotiatedRate > 0 {
		score += weightNegotiated
	}
	if rec.DiscountedCash > 0 {
		score += weightCashPrice
	}
	if rec.Category != "" && rec.Category != "uncategorized" {
		score += weightCategory
	}

	pct := score * 100 / weightTotal
	switch {
	case pct >= 80:
		return core.QualityHigh
	case pct >= 50:
		return core.QualityMedium
	default:
		return core.QualityLow
	}
}
