package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Mode selects how detected spans are transformed
type Mode string

const (
	ModeMask   Mode = "mask"
	ModeHash   Mode = "hash"
	ModeRemove Mode = "remove"
	ModeFlag   Mode = "flag"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	switch m {
	case ModeMask, ModeHash, ModeRemove, ModeFlag:
		return true
	}
	return false
}

// ParseMode converts a config string into a Mode
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if m == "" {
		return ModeMask, nil
	}
	if !m.Valid() {
		return "", fmt.Errorf("unknown redaction mode %q", s)
	}
	return m, nil
}

// Policy decides what happens when sensitive data is found
type Policy string

const (
	// PolicyRedact transforms findings according to the Mode and continues
	PolicyRedact Policy = "redact"
	// PolicyReject fails the operation with a PIIPolicyViolation
	PolicyReject Policy = "reject"
)

// PIIPolicyViolation is returned when a Redactor configured with PolicyReject
// finds sensitive data. Values are never included in the message.
type PIIPolicyViolation struct {
	Field      string
	Categories []Category
}

func (e *PIIPolicyViolation) Error() string {
	names := make([]string, len(e.Categories))
	for i, c := range e.Categories {
		names[i] = string(c)
	}
	if e.Field != "" {
		return fmt.Sprintf("sensitive data (%s) in field %q", strings.Join(names, ","), e.Field)
	}
	return fmt.Sprintf("sensitive data (%s) detected", strings.Join(names, ","))
}

// Redact applies mode to every finding in text. Findings must come from a
// scan of the same text. The output is deterministic for equal inputs; hash
// mode uses plain SHA-256 of the value.
func Redact(text string, findings []Finding, mode Mode) string {
	return redact(text, findings, mode, nil)
}

func redact(text string, findings []Finding, mode Mode, key []byte) string {
	if len(findings) == 0 || mode == ModeFlag {
		return text
	}

	ordered := make([]Finding, len(findings))
	copy(ordered, findings)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, f := range ordered {
		if f.Start < last || f.End > len(text) || f.Start >= f.End {
			continue
		}
		b.WriteString(text[last:f.Start])
		b.WriteString(replacement(text[f.Start:f.End], f.Category, mode, key))
		last = f.End
	}
	b.WriteString(text[last:])
	return b.String()
}

func replacement(value string, category Category, mode Mode, key []byte) string {
	label := strings.ToUpper(string(category))
	switch mode {
	case ModeRemove:
		return ""
	case ModeHash:
		return fmt.Sprintf("[%s:%s]", label, Fingerprint(value, key))
	default:
		return fmt.Sprintf("[REDACTED:%s]", label)
	}
}

// Fingerprint returns a stable 12 hex character digest of value. With a key
// it is an HMAC-SHA256 so fingerprints cannot be brute forced without the key.
func Fingerprint(value string, key []byte) string {
	var sum []byte
	if len(key) > 0 {
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(value))
		sum = mac.Sum(nil)
	} else {
		digest := sha256.Sum256([]byte(value))
		sum = digest[:]
	}
	return hex.EncodeToString(sum)[:12]
}

// RedactorConfig configures a Redactor
type RedactorConfig struct {
	Mode          Mode
	Policy        Policy
	HashKey       []byte
	MinConfidence float64
	Detector      *Detector
}

// Redactor bundles detection and redaction behind one policy
type Redactor struct {
	mode          Mode
	policy        Policy
	key           []byte
	minConfidence float64
	detector      *Detector
}

// NewRedactor creates a redactor. Zero values mean mask mode, redact policy,
// default rules and no confidence floor.
func NewRedactor(cfg RedactorConfig) *Redactor {
	r := &Redactor{
		mode:          cfg.Mode,
		policy:        cfg.Policy,
		key:           cfg.HashKey,
		minConfidence: cfg.MinConfidence,
		detector:      cfg.Detector,
	}
	if r.mode == "" {
		r.mode = ModeMask
	}
	if r.policy == "" {
		r.policy = PolicyRedact
	}
	if r.detector == nil {
		r.detector = defaultDetector
	}
	return r
}

// Mode returns the configured redaction mode
func (r *Redactor) Mode() Mode {
	return r.mode
}

// Sanitize scans one field value. It returns the text to persist and the
// findings that were applied. With PolicyReject any finding is an error.
func (r *Redactor) Sanitize(field, text string) (string, []Finding, error) {
	findings, err := r.Scan(field, text)
	if err != nil {
		return "", Scrub(findings), err
	}
	if len(findings) == 0 {
		return text, nil, nil
	}
	return r.Apply(text, findings), Scrub(findings), nil
}

// Scan detects findings in text that meet the confidence floor. With
// PolicyReject a non-empty result comes back with a PIIPolicyViolation.
// Returned findings still carry their values.
func (r *Redactor) Scan(field, text string) ([]Finding, error) {
	findings := r.detector.Detect(text)
	if r.minConfidence > 0 {
		kept := findings[:0]
		for _, f := range findings {
			if f.Confidence >= r.minConfidence {
				kept = append(kept, f)
			}
		}
		findings = kept
	}
	if len(findings) == 0 {
		return nil, nil
	}

	if r.policy == PolicyReject {
		seen := make(map[Category]bool)
		var cats []Category
		for _, f := range findings {
			if !seen[f.Category] {
				seen[f.Category] = true
				cats = append(cats, f.Category)
			}
		}
		return findings, &PIIPolicyViolation{Field: field, Categories: cats}
	}
	return findings, nil
}

// Apply transforms the spans of findings in text with the configured mode
func (r *Redactor) Apply(text string, findings []Finding) string {
	return redact(text, findings, r.mode, r.key)
}

// Scrub drops matched values so findings can be reported and logged safely
func Scrub(findings []Finding) []Finding {
	out := make([]Finding, len(findings))
	for i, f := range findings {
		f.Value = ""
		out[i] = f
	}
	return out
}
