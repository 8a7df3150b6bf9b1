package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlan(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidate_CleanPlan(t *testing.T) {
	path := writePlan(t, `{"steps":[{"op":"create_document","args":{"title":"x"},"tool_caps":["WRITE_FILE"]}]}`)

	var out bytes.Buffer
	validateCmd.SetOut(&out)
	err := runValidate(validateCmd, []string{path})
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"valid": true`)
}

func TestValidate_ReportsViolations(t *testing.T) {
	path := writePlan(t, `{"steps":[{"op":"send_email","args":{}},{"op":"create_document","deps":[5]}]}`)

	var out bytes.Buffer
	validateCmd.SetOut(&out)
	err := runValidate(validateCmd, []string{path})
	require.Error(t, err)
	assert.Contains(t, out.String(), "missing_tool_cap")
	assert.Contains(t, out.String(), "invalid_dependency")
}

func TestValidate_MalformedPlan(t *testing.T) {
	path := writePlan(t, `{"steps":"nope"}`)
	assert.Error(t, runValidate(validateCmd, []string{path}))
}
