package security

import (
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Category names a class of sensitive data
type Category string

const (
	CategoryEmail       Category = "email"
	CategoryPhone       Category = "phone"
	CategoryCreditCard  Category = "credit_card"
	CategorySSN         Category = "ssn"
	CategoryIBAN        Category = "iban"
	CategoryIPAddress   Category = "ip_address"
	CategoryCredential  Category = "credential"
	CategoryDateOfBirth Category = "date_of_birth"
)

// Finding is one detected span of sensitive text.
// Start and End are byte offsets into the scanned text.
type Finding struct {
	Category   Category
	Rule       string
	Start      int
	End        int
	Value      string
	Confidence float64
}

// Rule is a single detection pattern. When Group is non-zero only that
// submatch is reported, so surrounding context such as "password=" survives
// redaction. Validate, if set, must accept the matched value.
type Rule struct {
	Name       string
	Category   Category
	Pattern    *regexp.Regexp
	Group      int
	Confidence float64
	Validate   func(value string) bool
}

// Detector scans text against a fixed catalogue of rules
type Detector struct {
	rules []Rule
}

// NewDetector creates a detector from the given rules.
// With no rules it uses DefaultRules.
func NewDetector(rules ...Rule) *Detector {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Detector{rules: rules}
}

var defaultDetector = NewDetector()

// Detect scans text with the default catalogue
func Detect(text string) []Finding {
	return defaultDetector.Detect(text)
}

// DefaultRules returns the built-in catalogue
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "email",
			Category:   CategoryEmail,
			Pattern:    regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
			Confidence: 0.9,
		},
		{
			Name:       "credit_card",
			Category:   CategoryCreditCard,
			Pattern:    regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`),
			Confidence: 0.95,
			Validate:   validCardNumber,
		},
		{
			Name:       "ssn",
			Category:   CategorySSN,
			Pattern:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Confidence: 0.85,
			Validate:   validSSN,
		},
		{
			Name:       "iban",
			Category:   CategoryIBAN,
			Pattern:    regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`),
			Confidence: 0.95,
			Validate:   validIBAN,
		},
		{
			Name:       "phone",
			Category:   CategoryPhone,
			Pattern:    regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?(?:\(\d{3}\)|\b\d{3})[ .\-]?\d{3}[ .\-]?\d{4}\b`),
			Confidence: 0.6,
		},
		{
			Name:       "ipv4",
			Category:   CategoryIPAddress,
			Pattern:    regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			Confidence: 0.8,
			Validate:   validIPv4,
		},
		{
			Name:       "ipv6",
			Category:   CategoryIPAddress,
			Pattern:    regexp.MustCompile(`(?i)\b[0-9a-f]{0,4}(?::[0-9a-f]{0,4}){2,7}\b`),
			Confidence: 0.8,
			Validate:   validIPv6,
		},
		{
			Name:       "aws_access_key",
			Category:   CategoryCredential,
			Pattern:    regexp.MustCompile(`\b(?:AKIA|ABIA|ACCA|ASIA)[A-Z0-9]{16}\b`),
			Confidence: 0.95,
		},
		{
			Name:       "api_token",
			Category:   CategoryCredential,
			Pattern:    regexp.MustCompile(`\b(?:sk-ant-[A-Za-z0-9\-_]{20,}|sk-[A-Za-z0-9]{32,}|gh[pousr]_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,}|xox[abprs]-[A-Za-z0-9\-]{10,})`),
			Confidence: 0.95,
		},
		{
			Name:       "jwt",
			Category:   CategoryCredential,
			Pattern:    regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{5,}\.eyJ[A-Za-z0-9_\-]{5,}\.[A-Za-z0-9_\-]{5,}`),
			Confidence: 0.95,
		},
		{
			Name:       "bearer_token",
			Category:   CategoryCredential,
			Pattern:    regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9_\-.=]{16,})`),
			Group:      1,
			Confidence: 0.9,
		},
		{
			Name:       "secret_assignment",
			Category:   CategoryCredential,
			Pattern:    regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|secret|api[_\-]?key|access[_\-]?token|auth[_\-]?token|client[_\-]?secret)\s*[:=]\s*["']?([^\s"']{4,})`),
			Group:      1,
			Confidence: 0.85,
		},
		{
			Name:       "url_password",
			Category:   CategoryCredential,
			Pattern:    regexp.MustCompile(`://[^:/\s@]+:([^@/\s]+)@`),
			Group:      1,
			Confidence: 0.95,
		},
		{
			Name:       "private_key",
			Category:   CategoryCredential,
			Pattern:    regexp.MustCompile(`(?s)-----BEGIN (?:[A-Z]+ )?PRIVATE KEY-----(?:.*?-----END (?:[A-Z]+ )?PRIVATE KEY-----)?`),
			Confidence: 0.99,
		},
		{
			Name:       "date_of_birth",
			Category:   CategoryDateOfBirth,
			Pattern:    regexp.MustCompile(`(?i)\b(?:dob|d\.o\.b\.?|date of birth|birth ?date|born(?: on)?)\s*[:\-]?\s*(\d{4}-\d{2}-\d{2}|\d{1,2}[/.\-]\d{1,2}[/.\-]\d{2,4}|[A-Za-z]+ \d{1,2},? \d{4})`),
			Group:      1,
			Confidence: 0.8,
			Validate:   validDate,
		},
	}
}

// Detect returns non-overlapping findings ordered by position. When two
// matches overlap the one with higher confidence wins, then the longer one.
func (d *Detector) Detect(text string) []Finding {
	if text == "" {
		return nil
	}

	var candidates []Finding
	for _, rule := range d.rules {
		for _, m := range rule.Pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[0], m[1]
			if rule.Group > 0 {
				if len(m) <= 2*rule.Group+1 || m[2*rule.Group] < 0 {
					continue
				}
				start, end = m[2*rule.Group], m[2*rule.Group+1]
			}
			if start == end {
				continue
			}
			value := text[start:end]
			if rule.Validate != nil && !rule.Validate(value) {
				continue
			}
			candidates = append(candidates, Finding{
				Category:   rule.Category,
				Rule:       rule.Name,
				Start:      start,
				End:        end,
				Value:      value,
				Confidence: rule.Confidence,
			})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.Start < b.Start
	})

	var accepted []Finding
	for _, c := range candidates {
		overlaps := false
		for _, a := range accepted {
			if c.Start < a.End && a.Start < c.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			accepted = append(accepted, c)
		}
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start < accepted[j].Start })
	return accepted
}

func digitsOnly(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Luhn reports whether a digit string passes the Luhn checksum
func Luhn(digits string) bool {
	if len(digits) < 2 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		n := int(c - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

func validCardNumber(value string) bool {
	digits := digitsOnly(value)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	// a run of a single digit passes Luhn for some lengths but is never a card
	if strings.Count(digits, digits[:1]) == len(digits) {
		return false
	}
	return Luhn(digits)
}

func validSSN(value string) bool {
	parts := strings.Split(value, "-")
	if len(parts) != 3 {
		return false
	}
	area, group, serial := parts[0], parts[1], parts[2]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

func validIBAN(value string) bool {
	iban := strings.ReplaceAll(value, " ", "")
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	rearranged := iban[4:] + iban[:4]
	remainder := 0
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		var n int
		switch {
		case c >= '0' && c <= '9':
			n = int(c - '0')
			remainder = (remainder*10 + n) % 97
		case c >= 'A' && c <= 'Z':
			n = int(c-'A') + 10
			remainder = (remainder*100 + n) % 97
		default:
			return false
		}
	}
	return remainder == 1
}

func validIPv4(value string) bool {
	for _, octet := range strings.Split(value, ".") {
		if len(octet) > 1 && octet[0] == '0' {
			return false
		}
		n, err := strconv.Atoi(octet)
		if err != nil || n > 255 {
			return false
		}
	}
	ip := net.ParseIP(value)
	return ip != nil && ip.To4() != nil
}

func validIPv6(value string) bool {
	if strings.Count(value, ":") < 2 {
		return false
	}
	ip := net.ParseIP(value)
	return ip != nil && ip.To4() == nil
}

var dateLayouts = []string{
	"2006-01-02",
	"1/2/2006", "01/02/2006", "2/1/2006", "02/01/2006",
	"1.2.2006", "02.01.2006", "1-2-2006", "01-02-2006",
	"1/2/06", "01/02/06",
	"January 2, 2006", "January 2 2006", "Jan 2, 2006", "Jan 2 2006",
}

func validDate(value string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	return false
}
