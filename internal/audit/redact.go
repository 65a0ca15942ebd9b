package audit

import (
	"encoding/json"
	"strings"
)

// RedactedMarker replaces sensitive values.
const RedactedMarker = "[REDACTED]"

// DefaultSensitiveFields are matched as case-insensitive substrings of the
// key with "_" and "-" removed.
var DefaultSensitiveFields = []string{
	"password",
	"passwordhash",
	"encryptedvalue",
	"accesstoken",
	"mfasecret",
	"iv",
	"accountnumber",
}

// Redactor masks sensitive keys in before/after diffs.
type Redactor struct {
	fields []string
}

// NewRedactor builds a redactor; with no fields it uses DefaultSensitiveFields.
func NewRedactor(fields ...string) Redactor {
	if len(fields) == 0 {
		fields = DefaultSensitiveFields
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = normalizeKey(f); f != "" {
			out = append(out, f)
		}
	}
	return Redactor{fields: out}
}

// IsSensitive reports whether key names a secret.
func (r Redactor) IsSensitive(key string) bool {
	k := normalizeKey(key)
	for _, f := range r.fields {
		if strings.Contains(k, f) {
			return true
		}
	}
	return false
}

// Apply returns a copy of md with before/after redacted. md is not modified.
func (r Redactor) Apply(md Metadata) Metadata {
	if md == nil {
		return Metadata{}
	}
	out := make(Metadata, len(md))
	for k, v := range md {
		switch k {
		case KeyBefore, KeyAfter:
			out[k] = r.redact(normalizeValue(v))
		default:
			out[k] = v
		}
	}
	return out
}

func (r Redactor) redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, val := range t {
			if r.IsSensitive(k) {
				cp[k] = RedactedMarker
				continue
			}
			cp[k] = r.redact(normalizeValue(val))
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, val := range t {
			cp[i] = r.redact(normalizeValue(val))
		}
		return cp
	default:
		return v
	}
}

// normalizeValue turns structs and typed maps into the generic JSON shape so
// nested keys can be inspected.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, int, int64, map[string]any, []any:
		return v
	case Metadata:
		return map[string]any(t)
	case map[string]string:
		cp := make(map[string]any, len(t))
		for k, val := range t {
			cp[k] = val
		}
		return cp
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return RedactedMarker
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return RedactedMarker
	}
	return generic
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer("_", "", "-", "").Replace(k)
}
