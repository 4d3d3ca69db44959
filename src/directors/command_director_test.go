package directors_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gotest.tools/assert"

	"brainengine/src/directors"
	"brainengine/src/engine"
	"brainengine/src/settings"
	"brainengine/src/storage/memory"
)

func newServices(t *testing.T) (*directors.ServiceManager, *zap.SugaredLogger) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	store := memory.New(64, logger)
	e := engine.New(store, settings.Defaults(), logger)
	sm := directors.InitServiceManager(e, store, logger)
	t.Cleanup(func() {
		sm.Close()
		directors.ResetServiceManager()
	})
	return sm, logger
}

func run(t *testing.T, sm *directors.ServiceManager, logger *zap.SugaredLogger, line string) *directors.CommandResponse {
	t.Helper()
	var cmd directors.Command
	assert.NilError(t, json.Unmarshal([]byte(line), &cmd))
	resp, err := directors.CommandDirector(context.Background(), sm, cmd, logger)
	assert.NilError(t, err)
	return resp
}

// resultField re-decodes a response result and returns one of its fields.
func resultField(t *testing.T, resp *directors.CommandResponse, field string) interface{} {
	t.Helper()
	data, err := json.Marshal(resp.Result)
	assert.NilError(t, err)
	var m map[string]interface{}
	assert.NilError(t, json.Unmarshal(data, &m))
	return m[field]
}

func TestServiceManagerSingleton(t *testing.T) {
	directors.ResetServiceManager()
	assert.Assert(t, directors.GetServiceManager() == nil)
	sm, _ := newServices(t)
	assert.Equal(t, directors.GetServiceManager(), sm)
}

func TestCommandDirectorSchemaAndRecords(t *testing.T) {
	sm, logger := newServices(t)

	resp := run(t, sm, logger, `{"op":"create_database","actor":"u1","args":{"name":"Projects"}}`)
	assert.Assert(t, resp.Error == nil, "%+v", resp.Error)
	resp = run(t, sm, logger, `{"op":"create_database","actor":"u1","args":{"name":"Tasks"}}`)
	assert.Assert(t, resp.Error == nil, "%+v", resp.Error)

	resp = run(t, sm, logger, `{"op":"create_database","args":{"name":"tasks"}}`)
	assert.Equal(t, resp.Error.Kind, "conflict")
	assert.Equal(t, resp.Error.Status, 409)

	resp = run(t, sm, logger, `{"op":"define_property","actor":"u1","args":{"database":"Tasks","spec":{
		"name":"Project","type":"relation",
		"config":{"relation":{"targetDatabaseId":"Projects","relationType":"many_to_one","isSymmetric":true}}}}}`)
	assert.Assert(t, resp.Error == nil, "%+v", resp.Error)
	resp = run(t, sm, logger, `{"op":"define_property","actor":"u1","args":{"database":"Tasks","spec":{"name":"Points","type":"number"}}}`)
	assert.Assert(t, resp.Error == nil, "%+v", resp.Error)

	resp = run(t, sm, logger, `{"op":"create_record","actor":"u1","args":{"database":"Projects","values":{"Name":"Launch"}}}`)
	assert.Assert(t, resp.Error == nil, "%+v", resp.Error)
	project := resultField(t, resp, "id").(string)

	for _, pts := range []string{"3", "5"} {
		resp = run(t, sm, logger, `{"op":"create_record","args":{"database":"Tasks","values":{"Name":"t","Points":`+pts+`}}}`)
		assert.Assert(t, resp.Error == nil, "%+v", resp.Error)
		task := resultField(t, resp, "id").(string)
		resp = run(t, sm, logger, `{"op":"connect","args":{"record":"`+task+`","target":"`+project+`","property":"Project"}}`)
		assert.Assert(t, resp.Error == nil, "%+v", resp.Error)
	}

	resp = run(t, sm, logger, `{"op":"related_records","args":{"record":"`+project+`","property":"Tasks"}}`)
	assert.Assert(t, resp.Error == nil, "%+v", resp.Error)
	assert.Equal(t, resp.ResultCount, 2)

	resp = run(t, sm, logger, `{"op":"query_view","args":{"database":"Tasks","view":{"name":"big","type":"table",
		"filters":{"operator":"and","conditions":[{"condition":{"propertyId":"Points","operator":"greater_than","value":4}}]}}}}`)
	assert.Assert(t, resp.Error == nil, "%+v", resp.Error)
	assert.Equal(t, resp.ResultCount, 1)

	resp = run(t, sm, logger, `{"op":"list_records","args":{"database":"Tasks"}}`)
	assert.Equal(t, resp.ResultCount, 2)

	resp = run(t, sm, logger, `{"op":"delete_record","args":{"record":"`+project+`"}}`)
	assert.Assert(t, resp.Error == nil, "%+v", resp.Error)
	assert.Equal(t, resp.ResultCount, 1)
}

func TestCommandDirectorValidateFormula(t *testing.T) {
	sm, logger := newServices(t)
	run(t, sm, logger, `{"op":"create_database","args":{"name":"Tasks"}}`)

	resp := run(t, sm, logger, `{"op":"validate_formula","args":{"database":"Tasks","expression":"concat(prop(\"Name\"), \"!\")"}}`)
	assert.Assert(t, resp.Error == nil, "%+v", resp.Error)
	assert.Equal(t, resultField(t, resp, "isValid"), true)

	resp = run(t, sm, logger, `{"op":"validate_formula","args":{"database":"Tasks","expression":"prop(\"Missing\")"}}`)
	assert.Assert(t, resp.Error == nil, "%+v", resp.Error)
	assert.Equal(t, resultField(t, resp, "isValid"), false)
}

func TestCommandDirectorErrors(t *testing.T) {
	sm, logger := newServices(t)

	tests := []struct {
		name string
		line string
		kind string
	}{
		{"unknown op", `{"op":"explode"}`, "validation error"},
		{"missing op", `{}`, "validation error"},
		{"bad args", `{"op":"get_record","args":[1,2]}`, "validation error"},
		{"missing record", `{"op":"get_record","args":{"record":"nope"}}`, "not found"},
		{"missing database", `{"op":"list_records","args":{"database":"Nowhere"}}`, "not found"},
		{"missing patch", `{"op":"update_database","args":{"database":"x"}}`, "validation error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := run(t, sm, logger, tt.line)
			assert.Assert(t, resp.Error != nil)
			assert.Equal(t, resp.Error.Kind, tt.kind)
		})
	}

	_, err := directors.CommandDirector(context.Background(), nil, directors.Command{Op: "list_databases"}, logger)
	assert.ErrorContains(t, err, "not initialized")
}

func TestExecuteScript(t *testing.T) {
	sm, logger := newServices(t)
	script := strings.Join([]string{
		`# setup`,
		`{"op":"create_database","args":{"name":"Notes"}}`,
		``,
		`{"op":"list_databases"}`,
		`not json`,
		`{"op":"get_database","args":{"database":"Notes"}}`,
	}, "\n")

	var out bytes.Buffer
	res, err := directors.ExecuteScript(context.Background(), sm, strings.NewReader(script), &out, logger)
	assert.NilError(t, err)
	assert.Equal(t, res.Executed, 4)
	assert.Equal(t, res.Failed, 1)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, len(lines), 4)
	var listed directors.CommandResponse
	assert.NilError(t, json.Unmarshal([]byte(lines[1]), &listed))
	assert.Equal(t, listed.Op, "list_databases")
	assert.Equal(t, listed.ResultCount, 1)
	assert.Assert(t, strings.Contains(lines[2], `"line 5: malformed command`))
}
