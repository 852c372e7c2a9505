package fraud

import (
	"regexp"
	"strings"
)

var postalPatterns = map[string]*regexp.Regexp{
	"US": regexp.MustCompile(`^\d{5}(-\d{4})?$`),
	"CA": regexp.MustCompile(`^[A-Za-z]\d[A-Za-z][ -]?\d[A-Za-z]\d$`),
	"GB": regexp.MustCompile(`^[A-Za-z]{1,2}\d[A-Za-z\d]? ?\d[A-Za-z]{2}$`),
	"DE": regexp.MustCompile(`^\d{5}$`),
	"FR": regexp.MustCompile(`^\d{5}$`),
	"ID": regexp.MustCompile(`^\d{5}$`),
	"NL": regexp.MustCompile(`^\d{4} ?[A-Za-z]{2}$`),
	"AU": regexp.MustCompile(`^\d{4}$`),
	"JP": regexp.MustCompile(`^\d{3}-?\d{4}$`),
}

var genericPostal = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 -]{1,9}$`)

func validPostalCode(country, code string) bool {
	code = strings.TrimSpace(code)
	if re, ok := postalPatterns[strings.ToUpper(country)]; ok {
		return re.MatchString(code)
	}
	return genericPostal.MatchString(code)
}

func suspiciousAddress(a Address) bool {
	if len(strings.TrimSpace(a.City)) < 2 {
		return true
	}
	return !validPostalCode(a.Country, a.PostalCode)
}

func geoMismatch(shipping, billing Address) bool {
	if billing.Country == "" || shipping.Country == "" {
		return false
	}
	return !strings.EqualFold(shipping.Country, billing.Country)
}

var automationAgents = []string{"curl/", "wget/", "python-requests", "headlesschrome", "phantomjs", "selenium", "go-http-client", "bot"}

func suspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(strings.TrimSpace(ua))
	if ua == "" {
		return true
	}
	for _, marker := range automationAgents {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}
