// Package parse turns raw simulator replies into typed values.
// Every function here is pure: the same text always yields the same Value,
// and malformed input produces Absent rather than an error.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind tags which field of a Value is meaningful.
type Kind int

const (
	KindAbsent Kind = iota
	KindNodeID
	KindAddress
	KindRole
	KindNumeric
	KindEUI64
)

func (k Kind) String() string {
	switch k {
	case KindNodeID:
		return "node_id"
	case KindAddress:
		return "address"
	case KindRole:
		return "role"
	case KindNumeric:
		return "numeric"
	case KindEUI64:
		return "eui64"
	default:
		return "absent"
	}
}

// Role is the closed set of Thread device roles plus unknown.
type Role string

const (
	RoleRouter   Role = "router"
	RoleChild    Role = "child"
	RoleLeader   Role = "leader"
	RoleDetached Role = "detached"
	RoleUnknown  Role = "unknown"
)

var roles = map[string]Role{
	"router":   RoleRouter,
	"child":    RoleChild,
	"leader":   RoleLeader,
	"detached": RoleDetached,
}

// Value is exactly one parsed variant, or Absent.
type Value struct {
	Kind    Kind
	NodeID  int
	Address string
	Role    Role
	Numeric float64
	EUI64   string
}

// Absent is the zero Value.
func Absent() Value { return Value{} }

// Present reports whether v carries a concrete variant.
func (v Value) Present() bool { return v.Kind != KindAbsent }

// String renders the carried variant for reports and storage.
func (v Value) String() string {
	switch v.Kind {
	case KindNodeID:
		return strconv.Itoa(v.NodeID)
	case KindAddress:
		return v.Address
	case KindRole:
		return string(v.Role)
	case KindNumeric:
		return strconv.FormatFloat(v.Numeric, 'f', -1, 64)
	case KindEUI64:
		return v.EUI64
	default:
		return ""
	}
}

var (
	ansiEscape  = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	digitsOnly  = regexp.MustCompile(`^\d+$`)
	isolatedRun = regexp.MustCompile(`(?m)^[ \t]*(\d+)[ \t]*$`)
	addressRe   = regexp.MustCompile(`[0-9a-fA-F:]{20,}`)
	eui64Re     = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)
	delayRe     = regexp.MustCompile(`delay\s*=\s*([0-9]+(?:\.[0-9]+)?)\s*ms`)
)

// StripControl removes ANSI escape sequences and every ASCII control
// character except newline.
func StripControl(text string) string {
	text = ansiEscape.ReplaceAllString(text, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
}

// splitOnControl turns every control character into a line boundary so a
// digit run wedged between control bytes counts as alone on its line.
func splitOnControl(text string) string {
	text = ansiEscape.ReplaceAllString(text, "\n")
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '\n'
		}
		return r
	}, text)
}

// NodeID extracts a freshly allocated node identifier. marker is the
// completion marker the simulator prints before the id, e.g. "nodeid=".
func NodeID(text, marker string) Value {
	clean := StripControl(text)

	for _, line := range strings.Split(clean, "\n") {
		line = strings.TrimSpace(line)
		if digitsOnly.MatchString(line) {
			return nodeID(line)
		}
	}

	if m := isolatedRun.FindStringSubmatch(splitOnControl(text)); m != nil {
		return nodeID(m[1])
	}

	if re := markerPattern(marker); re != nil {
		if m := re.FindStringSubmatch(clean); m != nil {
			return nodeID(m[1])
		}
	}

	return Absent()
}

func nodeID(digits string) Value {
	id, err := strconv.Atoi(digits)
	if err != nil {
		return Absent()
	}
	return Value{Kind: KindNodeID, NodeID: id}
}

func markerPattern(marker string) *regexp.Regexp {
	key := strings.TrimSpace(strings.TrimRight(marker, "=: "))
	if key == "" {
		return nil
	}
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(key) + `\s*[=:]\s*(\d+)`)
}

// Predicate selects a preferred address among several matches.
type Predicate func(addr string) bool

// HasPrefix prefers addresses starting with prefix.
func HasPrefix(prefix string) Predicate {
	return func(addr string) bool { return strings.HasPrefix(addr, prefix) }
}

// NotContains prefers addresses that do not contain s.
func NotContains(s string) Predicate {
	return func(addr string) bool { return !strings.Contains(addr, s) }
}

// All combines predicates; nil entries are ignored.
func All(preds ...Predicate) Predicate {
	return func(addr string) bool {
		for _, p := range preds {
			if p != nil && !p(addr) {
				return false
			}
		}
		return true
	}
}

// Addresses returns every hex-colon group of at least 20 characters that
// contains a colon, in order of appearance.
func Addresses(text string) []string {
	var out []string
	for _, m := range addressRe.FindAllString(text, -1) {
		if strings.Contains(m, ":") {
			out = append(out, strings.TrimSpace(m))
		}
	}
	return out
}

// Address returns the first address satisfying prefer, else the first
// address found. A nil prefer takes the first match.
func Address(text string, prefer Predicate) Value {
	addrs := Addresses(text)
	if len(addrs) == 0 {
		return Absent()
	}
	if prefer != nil {
		for _, a := range addrs {
			if prefer(a) {
				return Value{Kind: KindAddress, Address: a}
			}
		}
	}
	return Value{Kind: KindAddress, Address: addrs[0]}
}

// RoleOf scans lines for an exact role name. No match is RoleUnknown,
// which is still a value.
func RoleOf(text string) Value {
	for _, line := range strings.Split(StripControl(text), "\n") {
		if r, ok := roles[strings.TrimSpace(line)]; ok {
			return Value{Kind: KindRole, Role: r}
		}
	}
	return Value{Kind: KindRole, Role: RoleUnknown}
}

// EUI64 returns the first line that is exactly sixteen hex digits.
func EUI64(text string) Value {
	for _, line := range strings.Split(StripControl(text), "\n") {
		line = strings.TrimSpace(line)
		if eui64Re.MatchString(line) {
			return Value{Kind: KindEUI64, EUI64: strings.ToLower(line)}
		}
	}
	return Absent()
}

// NumericRule is an ordered list of patterns, each with one capture group,
// plus the value returned when none match.
type NumericRule struct {
	Name     string
	Patterns []*regexp.Regexp
	Default  float64
}

// Parse applies the patterns in order. It always yields a Numeric value.
func (r NumericRule) Parse(text string) Value {
	clean := StripControl(text)
	for _, p := range r.Patterns {
		m := p.FindStringSubmatch(clean)
		if len(m) < 2 {
			continue
		}
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			return Value{Kind: KindNumeric, Numeric: f}
		}
	}
	return Value{Kind: KindNumeric, Numeric: r.Default}
}

// Found reports whether any pattern matches, distinguishing a parsed
// default from a real reading.
func (r NumericRule) Found(text string) bool {
	clean := StripControl(text)
	for _, p := range r.Patterns {
		if m := p.FindStringSubmatch(clean); len(m) >= 2 {
			if _, err := strconv.ParseFloat(m[1], 64); err == nil {
				return true
			}
		}
	}
	return false
}

// Speed reads the simulation speed multiplier, defaulting to 1.
var Speed = NumericRule{
	Name: "speed",
	Patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)speed\s*[=:]\s*([0-9]+(?:\.[0-9]+)?)`),
		regexp.MustCompile(`(?m)^\s*([0-9]+(?:\.[0-9]+)?)\s*$`),
	},
	Default: 1,
}

// Delays returns every delay=<n>ms reading in order.
func Delays(text string) []float64 {
	var out []float64
	for _, m := range delayRe.FindAllStringSubmatch(StripControl(text), -1) {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// LastDelay returns the final delay reading, or Absent.
func LastDelay(text string) Value {
	d := Delays(text)
	if len(d) == 0 {
		return Absent()
	}
	return Value{Kind: KindNumeric, Numeric: d[len(d)-1]}
}

// ResourceExhausted reports simulator buffer saturation.
func ResourceExhausted(text string) bool {
	return strings.Contains(text, "NoBufs")
}

// JoinSucceeded reports a completed joiner handshake.
func JoinSucceeded(text string) bool {
	return strings.Contains(text, "Join success")
}

// Failed reports an OpenThread CLI error line such as "Error 7: InvalidArgs".
func Failed(text string) (string, bool) {
	for _, line := range strings.Split(StripControl(text), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Error") {
			return line, true
		}
	}
	return "", false
}

// Display renders v, or "<absent>" when there is nothing to show.
func Display(v Value) string {
	if !v.Present() {
		return fmt.Sprintf("<%s>", KindAbsent)
	}
	return v.String()
}
