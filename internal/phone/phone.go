// Package phone resolves raw phone strings into canonical digit keys and
// generates the format variants used to match senders against registry rows.
package phone

import "strings"

// Resolver applies the locale rules for canonicalizing phone numbers.
// Matching is deliberately permissive: a missed match strands a patient,
// while an over-match only risks misrouting inside one clinic's number space.
type Resolver struct {
	CountryCode     string // e.g. "55"
	DefaultAreaCode string // applied when the raw number has no area code
	AddressSuffix   string // messenger address suffix, e.g. "@c.us"
}

func NewResolver(countryCode, defaultAreaCode, addressSuffix string) *Resolver {
	return &Resolver{
		CountryCode:     countryCode,
		DefaultAreaCode: defaultAreaCode,
		AddressSuffix:   addressSuffix,
	}
}

// Normalize returns the canonical digit key (country+area+subscriber) for a
// raw phone string, or "" when the input is unrecoverable. It never fails.
func (r *Resolver) Normalize(raw string) string {
	d := digitsOnly(r.stripSuffix(raw))
	if d == "" {
		return ""
	}

	// Trunk prefix.
	d = strings.TrimPrefix(d, "0")

	cc := r.CountryCode
	switch {
	case strings.HasPrefix(d, cc) && (len(d) == len(cc)+10 || len(d) == len(cc)+11):
		return d
	case len(d) == 10 || len(d) == 11:
		return cc + d
	case len(d) == 8 || len(d) == 9:
		// Mobile 9-digit heuristic: an 8-digit local number without a
		// leading 9 is a mobile number missing its prefix digit.
		if len(d) == 8 && !strings.HasPrefix(d, "9") {
			d = "9" + d
		}
		return cc + r.DefaultAreaCode + d
	case len(d) > 11 && !strings.HasPrefix(d, cc):
		return cc + d
	}
	return d
}

// Variants returns every plausible representation of a number: with and
// without country code, with and without area code, and with and without the
// mobile 9-digit prefix. Two numbers identify the same patient iff their
// variant sets intersect.
func (r *Resolver) Variants(raw string) []string {
	base := strings.TrimSpace(r.stripSuffix(raw))
	if base == "" {
		return nil
	}

	seen := map[string]struct{}{}
	var out []string
	add := func(v string) {
		if len(v) < 8 {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	add(base)
	norm := r.Normalize(base)
	add(norm)

	cc := r.CountryCode
	if strings.HasPrefix(norm, cc) && len(norm) >= len(cc)+10 {
		national := norm[len(cc):]
		area := national[:2]
		subscriber := national[2:]

		add(national)
		add(subscriber)

		if len(subscriber) == 9 && strings.HasPrefix(subscriber, "9") {
			add(area + subscriber[1:])
			add(subscriber[1:])
		}
	}

	return out
}

// Match reports whether a and b plausibly identify the same physical number.
func (r *Resolver) Match(a, b string) bool {
	va := r.Variants(a)
	if len(va) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(va))
	for _, v := range va {
		set[v] = struct{}{}
	}
	for _, v := range r.Variants(b) {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// Address returns the messenger destination address for a raw phone string.
func (r *Resolver) Address(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if r.AddressSuffix != "" && strings.HasSuffix(s, r.AddressSuffix) {
		return s
	}
	return r.Normalize(s) + r.AddressSuffix
}

func (r *Resolver) stripSuffix(raw string) string {
	if r.AddressSuffix == "" {
		return raw
	}
	return strings.ReplaceAll(raw, r.AddressSuffix, "")
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteByte(byte(c))
		}
	}
	return b.String()
}
