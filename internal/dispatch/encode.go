package dispatch

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/user/reportd/internal/types"
	"github.com/user/reportd/internal/wire"
)

// itemCount returns the entry count announced in m, bounded by the number of
// fields the message actually carries.
func itemCount(m *wire.Message) int {
	n := int(m.Int32(wire.TagNumItems))
	if n < 0 {
		return 0
	}
	return min(n, len(m.Fields))
}

// EncodeProperties writes props as key/value entries in deterministic order.
func EncodeProperties(m *wire.Message, props map[string]string) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	m.SetInt32(wire.TagNumItems, int32(len(keys)))
	for i, k := range keys {
		base := wire.TagPropertyBase + wire.Tag(i*wire.PropertyStride)
		m.SetString(base, k)
		m.SetString(base+1, props[k])
	}
}

// DecodeProperties reads the key/value entries of a configure request.
// Entries without a key are skipped.
func DecodeProperties(m *wire.Message) map[string]string {
	n := itemCount(m)
	props := make(map[string]string)
	for i := 0; i < n; i++ {
		base := wire.TagPropertyBase + wire.Tag(i*wire.PropertyStride)
		k := m.Text(base)
		if k == "" {
			continue
		}
		props[k] = m.Text(base + 1)
	}
	return props
}

// EncodeReportIDs writes a list of report ids.
func EncodeReportIDs(m *wire.Message, ids []uuid.UUID) {
	m.SetInt32(wire.TagNumItems, int32(len(ids)))
	for i, id := range ids {
		m.SetUUID(wire.TagListBase+wire.Tag(i), id)
	}
}

// DecodeReportIDs reads a list written by EncodeReportIDs.
func DecodeReportIDs(m *wire.Message) []uuid.UUID {
	n := itemCount(m)
	var ids []uuid.UUID
	for i := 0; i < n; i++ {
		ids = append(ids, m.UUID(wire.TagListBase+wire.Tag(i)))
	}
	return ids
}

// EncodeDefinition writes a report definition with its parameters.
func EncodeDefinition(m *wire.Message, def types.ReportDefinition) {
	m.SetUUID(wire.TagReportID, def.ID)
	m.SetString(wire.TagName, def.Name)
	m.SetInt32(wire.TagNumItems, int32(len(def.Parameters)))
	for i, p := range def.Parameters {
		base := wire.TagParameterBase + wire.Tag(i*wire.ParameterStride)
		m.SetString(base+wire.ParamName, p.Name)
		m.SetString(base+wire.ParamType, p.Type)
		m.SetString(base+wire.ParamClass, p.Class)
		m.SetString(base+wire.ParamDescription, p.Description)
		m.SetString(base+wire.ParamDefault, p.DefaultValue)
		m.SetInt32(base+wire.ParamIndex, int32(p.Index))
		m.SetInt32(base+wire.ParamSpan, int32(p.Span))
		m.SetString(base+wire.ParamDependsOn, p.DependsOn)
		m.SetBool(base+wire.ParamPrompt, p.Prompt)
	}
}

// DecodeDefinition reads a definition written by EncodeDefinition.
func DecodeDefinition(m *wire.Message) types.ReportDefinition {
	def := types.ReportDefinition{ID: m.UUID(wire.TagReportID), Name: m.Text(wire.TagName)}
	n := itemCount(m)
	for i := 0; i < n; i++ {
		base := wire.TagParameterBase + wire.Tag(i*wire.ParameterStride)
		def.Parameters = append(def.Parameters, types.ReportParameter{
			Name:         m.Text(base + wire.ParamName),
			Type:         m.Text(base + wire.ParamType),
			Class:        m.Text(base + wire.ParamClass),
			Description:  m.Text(base + wire.ParamDescription),
			DefaultValue: m.Text(base + wire.ParamDefault),
			Index:        int(m.Int32(base + wire.ParamIndex)),
			Span:         int(m.Int32(base + wire.ParamSpan)),
			DependsOn:    m.Text(base + wire.ParamDependsOn),
			Prompt:       m.Bool(base + wire.ParamPrompt),
		})
	}
	return def
}

// EncodeResults writes result rows. Execution times travel as Unix
// milliseconds.
func EncodeResults(m *wire.Message, list []*types.ReportResult) {
	m.SetInt32(wire.TagNumItems, int32(len(list)))
	for i, r := range list {
		base := wire.TagResultBase + wire.Tag(i*wire.ResultStride)
		m.SetUUID(base+wire.ResultJobID, r.JobID)
		m.SetUUID(base+wire.ResultReportID, r.ReportID)
		m.SetInt64(base+wire.ResultExecutionTime, r.ExecutionTime.UnixMilli())
		m.SetInt32(base+wire.ResultUserID, r.UserID)
		m.SetBool(base+wire.ResultSuccess, r.Success)
	}
}

// DecodeResults reads rows written by EncodeResults.
func DecodeResults(m *wire.Message) []*types.ReportResult {
	n := itemCount(m)
	var out []*types.ReportResult
	for i := 0; i < n; i++ {
		base := wire.TagResultBase + wire.Tag(i*wire.ResultStride)
		out = append(out, &types.ReportResult{
			JobID:         m.UUID(base + wire.ResultJobID),
			ReportID:      m.UUID(base + wire.ResultReportID),
			ExecutionTime: time.UnixMilli(m.Int64(base + wire.ResultExecutionTime)).UTC(),
			UserID:        m.Int32(base + wire.ResultUserID),
			Success:       m.Bool(base + wire.ResultSuccess),
		})
	}
	return out
}
