package risk

import (
	"strings"
	"unicode"
)

var legalSuffixes = map[string]string{
	"corporation":  "corp",
	"incorporated": "inc",
	"limited":      "ltd",
	"company":      "co",
}

// NormalizeName folds a name to its comparison form: lower case, punctuation
// stripped, whitespace collapsed and legal suffixes unified.
func NormalizeName(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))

	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '/' || r == '&':
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	for i, w := range words {
		if s, ok := legalSuffixes[w]; ok {
			words[i] = s
		}
	}
	return strings.Join(words, " ")
}

// CanonicalKey is the resolver key of a normalized name and type.
func CanonicalKey(typ EntityType, normalized string) string {
	return string(typ) + "|" + normalized
}

// Countries maps normalized country and territory names to ISO 3166 alpha-2 codes.
var Countries = map[string]string{
	"afghanistan":            "AF",
	"bahamas":                "BS",
	"belize":                 "BZ",
	"bermuda":                "BM",
	"british virgin islands": "VG",
	"bvi":                    "VG",
	"canada":                 "CA",
	"cayman":                 "KY",
	"cayman islands":         "KY",
	"china":                  "CN",
	"cyprus":                 "CY",
	"dubai":                  "AE",
	"france":                 "FR",
	"germany":                "DE",
	"hong kong":              "HK",
	"india":                  "IN",
	"iran":                   "IR",
	"japan":                  "JP",
	"jersey":                 "JE",
	"liechtenstein":          "LI",
	"luxembourg":             "LU",
	"malta":                  "MT",
	"mexico":                 "MX",
	"monaco":                 "MC",
	"myanmar":                "MM",
	"north korea":            "KP",
	"panama":                 "PA",
	"russia":                 "RU",
	"seychelles":             "SC",
	"singapore":              "SG",
	"switzerland":            "CH",
	"syria":                  "SY",
	"thailand":               "TH",
	"uae":                    "AE",
	"united arab emirates":   "AE",
	"uk":                     "GB",
	"united kingdom":         "GB",
	"united states":          "US",
	"usa":                    "US",
	"venezuela":              "VE",
}

// HighRiskJurisdictions lists ISO codes treated as secrecy havens or under
// enhanced monitoring.
var HighRiskJurisdictions = map[string]bool{
	"VG": true,
	"KY": true,
	"PA": true,
	"AE": true,
	"CY": true,
	"IR": true,
	"KP": true,
	"MM": true,
	"SY": true,
	"SC": true,
	"BZ": true,
}

// CountryCode returns the ISO code of a known country name.
func CountryCode(name string) (string, bool) {
	code, ok := Countries[NormalizeName(name)]
	return code, ok
}
