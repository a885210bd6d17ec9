// Package stream provides the SeedLink client side of the pipeline: typed
// subscription filters and a reconnecting protocol client that emits raw
// 512-byte miniSEED packets.
package stream

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter selects streams by (network, station, channel, location) patterns.
// Each field is a pattern over upper-case SEED codes: literals, the `.*`
// wildcard, and `(A|B)` alternation. Patterns are compiled at parse time;
// a Filter that exists always matches correctly.
type Filter struct {
	Network  string
	Station  string
	Channel  string
	Location string

	net *regexp.Regexp
	sta *regexp.Regexp
	cha *regexp.Regexp
	loc *regexp.Regexp
}

// Selector is one concrete SeedLink multi-station subscription entry:
// a STATION command argument pair plus a SELECT pattern. Fields use the
// SeedLink wildcard syntax (`*`, `?`), not the Filter pattern syntax.
type Selector struct {
	Network string // STATION <sta> <net>
	Station string
	Select  string // SELECT <loc><cha>
}

// fieldSyntax is the accepted pattern alphabet. Anything outside it is
// rejected before regexp compilation so that arbitrary regex syntax cannot
// sneak into configuration.
var fieldSyntax = regexp.MustCompile(`^[A-Za-z0-9?.*|()-]*$`)

// ParseFilter compiles one filter from its four field patterns.
// Empty fields default to the match-all pattern.
func ParseFilter(network, station, channel, location string) (Filter, error) {
	f := Filter{
		Network:  defaultPattern(network),
		Station:  defaultPattern(station),
		Channel:  defaultPattern(channel),
		Location: defaultPattern(location),
	}

	var err error
	if f.net, err = compileField(f.Network); err != nil {
		return Filter{}, fmt.Errorf("network pattern %q: %w", f.Network, err)
	}
	if f.sta, err = compileField(f.Station); err != nil {
		return Filter{}, fmt.Errorf("station pattern %q: %w", f.Station, err)
	}
	if f.cha, err = compileField(f.Channel); err != nil {
		return Filter{}, fmt.Errorf("channel pattern %q: %w", f.Channel, err)
	}
	if f.loc, err = compileField(f.Location); err != nil {
		return Filter{}, fmt.Errorf("location pattern %q: %w", f.Location, err)
	}
	return f, nil
}

func defaultPattern(p string) string {
	if p == "" {
		return ".*"
	}
	return strings.ToUpper(strings.TrimSpace(p))
}

func compileField(pattern string) (*regexp.Regexp, error) {
	if !fieldSyntax.MatchString(pattern) {
		return nil, fmt.Errorf("invalid pattern syntax")
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid pattern syntax")
	}
	return re, nil
}

// ParseFilters parses the encoded subscription list
// `[(NET,STA,CHA,LOC), (NET,STA,CHA,LOC), ...]`. Brackets and quotes
// around fields are optional. An input that yields zero filters is a
// configuration error.
func ParseFilters(s string) ([]Filter, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")

	var filters []Filter
	for _, tuple := range splitTuples(s) {
		fields := strings.Split(tuple, ",")
		if len(fields) != 4 {
			return nil, fmt.Errorf("filter %q: want 4 fields (network,station,channel,location), got %d", tuple, len(fields))
		}
		for i := range fields {
			fields[i] = strings.Trim(strings.TrimSpace(fields[i]), `'"`)
		}
		f, err := ParseFilter(fields[0], fields[1], fields[2], fields[3])
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", tuple, err)
		}
		filters = append(filters, f)
	}

	if len(filters) == 0 {
		return nil, fmt.Errorf("no stream filters configured")
	}
	return filters, nil
}

// splitTuples extracts the contents of each top-level (...) group.
// Nested parens (alternation groups) stay inside their tuple.
func splitTuples(s string) []string {
	var tuples []string
	depth := 0
	start := -1
	for i, r := range s {
		switch r {
		case '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ')':
			depth--
			if depth == 0 && start >= 0 {
				tuples = append(tuples, s[start:i])
				start = -1
			}
		}
	}
	return tuples
}

// String renders the filter in the same encoded form ParseFilters accepts,
// so parse -> String -> parse round-trips.
func (f Filter) String() string {
	return fmt.Sprintf("(%s,%s,%s,%s)", f.Network, f.Station, f.Channel, f.Location)
}

// FiltersString renders a filter list in the encoded subscription form.
func FiltersString(filters []Filter) string {
	parts := make([]string, len(filters))
	for i, f := range filters {
		parts[i] = f.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Match reports whether the given SEED codes satisfy the filter.
func (f Filter) Match(network, station, location, channel string) bool {
	return f.net.MatchString(network) &&
		f.sta.MatchString(station) &&
		f.cha.MatchString(channel) &&
		f.loc.MatchString(location)
}

// MatchID matches a dotted channel id "NET.STA.LOC.CHA".
func (f Filter) MatchID(channelID string) bool {
	parts := strings.Split(channelID, ".")
	if len(parts) != 4 {
		return false
	}
	return f.Match(parts[0], parts[1], parts[2], parts[3])
}

// MatchAny reports whether any filter in the set matches the channel id.
func MatchAny(filters []Filter, channelID string) bool {
	for _, f := range filters {
		if f.MatchID(channelID) {
			return true
		}
	}
	return false
}

// Selectors expands the filter into concrete SeedLink subscription entries.
// Alternation groups multiply into the cross product; `.*` becomes the
// SeedLink `*` wildcard. Patterns that cannot be expressed in SeedLink
// wildcard syntax degrade to `*` — the client re-checks every received
// packet against the compiled filter, so a coarse server-side subscription
// is safe, just less efficient.
func (f Filter) Selectors() []Selector {
	nets := expandField(f.Network)
	stas := expandField(f.Station)
	chas := expandField(f.Channel)
	locs := expandField(f.Location)

	var sels []Selector
	for _, n := range nets {
		for _, s := range stas {
			for _, c := range chas {
				for _, l := range locs {
					sels = append(sels, Selector{
						Network: n,
						Station: s,
						Select:  selectPattern(l, c),
					})
				}
			}
		}
	}
	return sels
}

// selectPattern builds the SELECT argument: a 2-char location followed by
// a 3-char channel. A wildcarded location drops out entirely (SeedLink
// treats a bare channel selector as any-location).
func selectPattern(loc, cha string) string {
	if loc == "*" {
		loc = ""
	}
	return loc + cha
}

// expandField turns one field pattern into SeedLink wildcard tokens.
func expandField(pattern string) []string {
	if pattern == ".*" {
		return []string{"*"}
	}

	// Top-level alternation: (A|B|C) possibly concatenated with literals.
	if alts, ok := expandAlternation(pattern); ok {
		return alts
	}

	// Literal with embedded wildcards.
	if tok, ok := literalToken(pattern); ok {
		return []string{tok}
	}

	// Not expressible; subscribe wide and filter client-side.
	return []string{"*"}
}

// expandAlternation expands patterns of the form `pre(A|B)post` where pre,
// post, and every alternative are plain literals. Returns ok=false for
// anything more exotic.
func expandAlternation(pattern string) ([]string, bool) {
	open := strings.Index(pattern, "(")
	if open < 0 {
		return nil, false
	}
	closing := strings.Index(pattern, ")")
	if closing < open || strings.Contains(pattern[closing+1:], "(") {
		return nil, false
	}

	pre, ok := literalToken(pattern[:open])
	if !ok {
		return nil, false
	}
	post, ok := literalToken(pattern[closing+1:])
	if !ok {
		return nil, false
	}

	var out []string
	for _, alt := range strings.Split(pattern[open+1:closing], "|") {
		tok, ok := literalToken(alt)
		if !ok {
			return nil, false
		}
		out = append(out, pre+tok+post)
	}
	return out, true
}

// literalToken converts a pattern fragment containing only literals, `?`,
// and `.*` runs into a SeedLink wildcard token.
func literalToken(fragment string) (string, bool) {
	if strings.ContainsAny(fragment, "(|)") {
		return "", false
	}
	// `.*` maps to `*`; any remaining bare `.` is not a SEED code character.
	tok := strings.ReplaceAll(fragment, ".*", "*")
	if strings.Contains(tok, ".") {
		return "", false
	}
	return tok, true
}
