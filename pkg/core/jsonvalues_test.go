package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestJSONMapScan_NumbersBecomeFloat64(t *testing.T) {
	var m datatypes.JSONMap
	err := m.Scan(`{"criteria_count": 3, "overall_score": 37.5, "scores": [{"score": 75}], "huge": 1e400, "name": "rfp"}`)
	assert.NoError(t, err)
	assert.IsType(t, json.Number(""), m["criteria_count"])

	task := &Task{Result: m}
	assert.NoError(t, task.AfterFind(nil))
	assert.Equal(t, float64(3), task.Result["criteria_count"])
	assert.Equal(t, 37.5, task.Result["overall_score"])
	assert.Equal(t, []any{map[string]any{"score": float64(75)}}, task.Result["scores"])
	assert.Equal(t, "1e400", task.Result["huge"])
	assert.Equal(t, "rfp", task.Result["name"])
}

func TestAfterFind_NilMaps(t *testing.T) {
	assert.NoError(t, (&Task{}).AfterFind(nil))
	assert.NoError(t, (&PipelineExecution{}).AfterFind(nil))
	assert.NoError(t, (&AnalysisPipeline{}).AfterFind(nil))
}

func TestPipelineExecution_AfterFind(t *testing.T) {
	exec := &PipelineExecution{Summary: datatypes.JSONMap{"successful_steps": json.Number("2")}}
	assert.NoError(t, exec.AfterFind(nil))
	assert.Equal(t, float64(2), exec.Summary["successful_steps"])
}
