package core

import (
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// datatypes.JSONMap decodes numbers as json.Number. The hooks below turn
// them back into float64 so values read from storage have the same types
// as values decoded with encoding/json.

func normalizeJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeJSON(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeJSON(e)
		}
		return x
	default:
		return v
	}
}

func normalizeMaps(maps ...datatypes.JSONMap) {
	for _, m := range maps {
		for k, v := range m {
			m[k] = normalizeJSON(v)
		}
	}
}

// AfterFind normalizes decoded parameters and results.
func (t *Task) AfterFind(*gorm.DB) error {
	normalizeMaps(t.Parameters, t.Result)
	return nil
}

// AfterFind normalizes decoded step results and the summary.
func (e *PipelineExecution) AfterFind(*gorm.DB) error {
	normalizeMaps(e.Results, e.Summary)
	return nil
}

// AfterFind normalizes the decoded framework and result.
func (p *AnalysisPipeline) AfterFind(*gorm.DB) error {
	normalizeMaps(p.Framework, p.Result)
	return nil
}
