// Package params converts the raw string parameters of a job into the typed
// values a report fill expects.
package params

import (
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/user/reportd/internal/types"
)

// Names of the values injected into every fill.
const (
	Locale         = "REPORT_LOCALE"
	ResourceBundle = "REPORT_RESOURCE_BUNDLE"
	SubreportDir   = "SUBREPORT_DIR"
	UserID         = "SYS_USER_ID"
	DataView       = "SYS_DATA_VIEW"
)

// IsSystemName reports whether a parameter name is reserved for values the
// server injects itself.
func IsSystemName(name string) bool {
	return strings.HasPrefix(name, "SYS_") || strings.HasPrefix(name, "REPORT_") || name == SubreportDir
}

// LogicalType is the closed set of parameter types a template may declare.
type LogicalType int

const (
	Text LogicalType = iota
	StartDate
	EndDate
	SeverityList
	ObjectIDList
	EventCode
	Boolean
	Int
	Long
	Short
	Float
	Double
	Decimal
	List
)

var typeNames = map[string]LogicalType{
	"text":           Text,
	"string":         Text,
	"start_date":     StartDate,
	"end_date":       EndDate,
	"severity_list":  SeverityList,
	"object_id_list": ObjectIDList,
	"event_code":     EventCode,
	"boolean":        Boolean,
	"bool":           Boolean,
	"int":            Int,
	"integer":        Int,
	"long":           Long,
	"short":          Short,
	"float":          Float,
	"double":         Double,
	"decimal":        Decimal,
	"list":           List,
	"collection":     List,
}

var canonicalNames = [...]string{
	Text:         "text",
	StartDate:    "start_date",
	EndDate:      "end_date",
	SeverityList: "severity_list",
	ObjectIDList: "object_id_list",
	EventCode:    "event_code",
	Boolean:      "boolean",
	Int:          "int",
	Long:         "long",
	Short:        "short",
	Float:        "float",
	Double:       "double",
	Decimal:      "decimal",
	List:         "list",
}

func (t LogicalType) String() string {
	if t < 0 || int(t) >= len(canonicalNames) {
		return "text"
	}
	return canonicalNames[t]
}

// ParseType resolves a declared type name. Unknown names are an error so that
// bundles with typos fail at compile time rather than at fill time.
func ParseType(name string) (LogicalType, error) {
	if name == "" {
		return Text, nil
	}
	t, ok := typeNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Text, fmt.Errorf("unknown parameter type %q", name)
	}
	return t, nil
}

// Context carries the per-job values injected next to the user parameters.
type Context struct {
	Locale       string
	Bundle       map[string]string
	SubreportDir string
	UserID       int32
	DataView     string
	Location     *time.Location
}

// Build produces the fill parameter map: the raw values first, then each
// declared prompting non-system parameter replaced by its typed value, then
// the injected values.
func Build(defs []types.ReportParameter, raw map[string]string, c Context) map[string]any {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}

	out := make(map[string]any, len(raw)+len(defs)+5)
	for k, v := range raw {
		out[k] = v
	}
	for _, def := range defs {
		if !def.Prompt || def.System {
			continue
		}
		v, ok := raw[def.Name]
		if !ok {
			if def.DefaultValue == "" {
				continue
			}
			v = def.DefaultValue
		}
		t, err := ParseType(def.Type)
		if err != nil {
			slog.Warn("treating parameter as text", "param", def.Name, "error", err)
		}
		out[def.Name] = Convert(t, def.Name, v, loc)
	}

	bundle := c.Bundle
	if bundle == nil {
		bundle = map[string]string{}
	}
	out[Locale] = c.Locale
	out[ResourceBundle] = bundle
	out[SubreportDir] = c.SubreportDir
	out[UserID] = c.UserID
	if c.DataView != "" {
		out[DataView] = c.DataView
	}
	return out
}

// Convert applies the converter for t. It never fails: malformed input
// degrades to the type's zero value or drops the offending list entries.
func Convert(t LogicalType, name, v string, loc *time.Location) any {
	switch t {
	case StartDate:
		return parseDate(name, v, loc, false)
	case EndDate:
		return parseDate(name, v, loc, true)
	case SeverityList, ObjectIDList:
		return parseIntList(name, v)
	case EventCode:
		s := strings.TrimSpace(v)
		if s == "" || s == "0" || strings.EqualFold(s, "any") {
			return []int64{}
		}
		return parseIntList(name, s)
	case Boolean:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	case Int:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return int32(0)
		}
		return int32(n)
	case Long:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return int64(0)
		}
		return n
	case Short:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 16)
		if err != nil {
			return int16(0)
		}
		return int16(n)
	case Float:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
		if err != nil {
			return float32(0)
		}
		return float32(f)
	case Double:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return float64(0)
		}
		return f
	case Decimal:
		var n pgtype.Numeric
		if err := n.Scan(strings.TrimSpace(v)); err != nil || !n.Valid {
			return pgtype.Numeric{Int: big.NewInt(0), Valid: true}
		}
		return n
	case List:
		if v == "" {
			return []string{}
		}
		return strings.Split(v, "\t")
	default:
		return v
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseDate returns epoch seconds. End dates are moved to the last second of
// their day in loc. Unparsable input yields 0.
func parseDate(name, v string, loc *time.Location, endOfDay bool) int64 {
	s := strings.TrimSpace(v)
	if s == "" {
		return 0
	}
	var t time.Time
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		t = time.Unix(secs, 0).In(loc)
	} else {
		parsed := false
		for _, layout := range dateLayouts {
			if pt, err := time.ParseInLocation(layout, s, loc); err == nil {
				t, parsed = pt.In(loc), true
				break
			}
		}
		if !parsed {
			slog.Warn("unparsable date parameter", "param", name, "value", v)
			return 0
		}
	}
	if endOfDay {
		y, m, d := t.Date()
		t = time.Date(y, m, d, 23, 59, 59, 0, loc)
	}
	return t.Unix()
}

// parseIntList splits on tabs and commas, keeping order and dropping entries
// that are not integers.
func parseIntList(name, v string) []int64 {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == '\t' || r == ',' })
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			slog.Warn("dropping non-numeric list entry", "param", name, "value", f)
			continue
		}
		out = append(out, n)
	}
	return out
}
