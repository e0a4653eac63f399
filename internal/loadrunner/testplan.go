package loadrunner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mozilla-services/autopush-loadtester/internal/scenario"
)

// Entry is one parsed test-plan clause: spawn Quantity virtual clients
// running ModFunc, starting Delay seconds from now at a rate of Stagger
// launches per second (see LoadRunner.schedule).
type Entry struct {
	ModFunc  string
	Quantity int
	Stagger  float64
	Delay    float64
	Args     scenario.Args
}

// ParseTestPlan parses the grammar
// "<module:function>, <qty>, <stagger>, <delay>[, args...][ | ...]",
// grounded on aplt/runner.py's parse_testplan/parse_string_to_list/
// group_kw_args/try_int_list_coerce. Commas inside a field are escaped
// with a backslash; a field shaped like a JSON object becomes keyword
// arguments merged into the entry's Args.Keyword instead of a positional
// argument.
func ParseTestPlan(input string) ([]Entry, error) {
	var entries []Entry
	for _, clause := range strings.Split(input, "|") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		entry, err := parseClause(clause)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseClause(clause string) (Entry, error) {
	fields := splitEscapedComma(clause)
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 4 {
		return Entry{}, fmt.Errorf("loadrunner: test plan clause %q needs module:func, quantity, stagger, delay", clause)
	}

	quantity, err := strconv.Atoi(fields[1])
	if err != nil {
		return Entry{}, fmt.Errorf("loadrunner: invalid quantity %q in %q: %w", fields[1], clause, err)
	}
	stagger, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("loadrunner: invalid stagger %q in %q: %w", fields[2], clause, err)
	}
	delay, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("loadrunner: invalid delay %q in %q: %w", fields[3], clause, err)
	}

	args := scenario.Args{Keyword: map[string]interface{}{}}
	for _, raw := range fields[4:] {
		if raw == "" {
			continue
		}
		if looksLikeJSONObject(raw) {
			var kw map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &kw); err != nil {
				return Entry{}, fmt.Errorf("loadrunner: invalid keyword-argument object %q in %q: %w", raw, clause, err)
			}
			for k, v := range kw {
				args.Keyword[k] = v
			}
			continue
		}
		args.Positional = append(args.Positional, raw)
	}

	return Entry{ModFunc: fields[0], Quantity: quantity, Stagger: stagger, Delay: delay, Args: args}, nil
}

func looksLikeJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// splitEscapedComma splits on "," except where the comma is preceded by
// a backslash, which is consumed and turned into a literal comma in the
// resulting field.
func splitEscapedComma(s string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, cur.String())
	return fields
}
