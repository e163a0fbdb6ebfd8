package output_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senpuki/senpuki/pkg/cli/output"
)

func TestTableCreationAndRender(t *testing.T) {
	table := output.NewTable([]string{"ID", "NAME", "STATUS"})
	assert.NotNil(t, table)

	table.AddRow([]string{"1", "double", "completed"})
	table.AddRow([]string{"2", "square", "failed"})

	assert.NotPanics(t, func() { table.Render() })
}

func TestEmptyTableRender(t *testing.T) {
	table := output.NewTable([]string{"COL1", "COL2"})
	assert.NotPanics(t, func() { table.Render() })
}

func TestPrintJSONString(t *testing.T) {
	data := map[string]string{"function": "double"}
	result, err := output.PrintJSONString(data)

	require.NoError(t, err)
	assert.Contains(t, result, "function")
	assert.Contains(t, result, "double")
}

func TestPrintJSONStringStruct(t *testing.T) {
	type summary struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	result, err := output.PrintJSONString(summary{ID: "exec-1", State: "completed"})

	require.NoError(t, err)
	assert.Contains(t, result, "exec-1")
	assert.Contains(t, result, "completed")
}
