package directors

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"brainengine/src/apperr"
	"brainengine/src/engine"
	"brainengine/src/models"
	"brainengine/src/views"
)

// Command is one request of the command protocol, e.g.
//
//	{"op":"connect","actor":"u1","args":{"record":"...","target":"...","property":"Project"}}
type Command struct {
	Op    string          `json:"op"`
	Actor string          `json:"actor,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
}

type CommandResponse struct {
	Op          string      `json:"op"`
	ResultCount int         `json:"resultCount"`
	Result      interface{} `json:"result,omitempty"`
	Error       *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    string `json:"kind"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// commandArgs is the union of every op's arguments. Database, property and
// view references accept an id or a name.
type commandArgs struct {
	Database        string                  `json:"database"`
	Name            string                  `json:"name"`
	Description     string                  `json:"description"`
	Property        string                  `json:"property"`
	Properties      []string                `json:"properties"`
	Spec            *engine.PropertySpec    `json:"spec"`
	Patch           json.RawMessage         `json:"patch"`
	View            *models.View            `json:"view"`
	ViewName        string                  `json:"viewName"`
	Expression      string                  `json:"expression"`
	Record          string                  `json:"record"`
	Target          string                  `json:"target"`
	Values          map[string]any          `json:"values"`
	ExpectedVersion int64                   `json:"expectedVersion"`
	WithRelations   bool                    `json:"withRelations"`
	Variables       map[string]models.Value `json:"variables"`
	// Records limits a view to these ids; absent means the whole database.
	Records []string `json:"records"`
}

// CommandDirector runs one command against the services and wraps its
// outcome. Failures are reported in the response, never as a Go error,
// except when sm is nil.
func CommandDirector(ctx context.Context, sm *ServiceManager, cmd Command, logger *zap.SugaredLogger) (*CommandResponse, error) {
	if sm == nil {
		return nil, fmt.Errorf("service manager is not initialized")
	}
	op := strings.ToLower(strings.TrimSpace(cmd.Op))
	logger.Debugw("Executing command", "op", op, "actor", cmd.Actor)

	var args commandArgs
	if len(bytes.TrimSpace(cmd.Args)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(cmd.Args))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			return failed(op, apperr.Validation("malformed args: %v", err)), nil
		}
	}

	result, err := dispatch(ctx, sm, op, cmd.Actor, &args)
	if err != nil {
		logger.Debugw("Command failed", "op", op, "error", err)
		return failed(op, err), nil
	}
	return &CommandResponse{Op: op, ResultCount: countOf(result), Result: result}, nil
}

func dispatch(ctx context.Context, sm *ServiceManager, op, actor string, a *commandArgs) (interface{}, error) {
	dbs := sm.DatabaseService
	recs := sm.RecordService

	switch op {
	case "create_database":
		return dbs.AddDatabase(ctx, a.Name, a.Description, actor)
	case "list_databases":
		return dbs.ListDatabases(ctx)
	case "get_database":
		return dbs.Resolve(ctx, a.Database)
	case "update_database":
		var patch engine.DatabasePatch
		if err := decodePatch(a.Patch, &patch); err != nil {
			return nil, err
		}
		return dbs.UpdateDatabase(ctx, a.Database, patch, actor)
	case "archive_database":
		return dbs.SetArchived(ctx, a.Database, true, actor)
	case "restore_database":
		return dbs.SetArchived(ctx, a.Database, false, actor)
	case "delete_database":
		return nil, dbs.DeleteDatabase(ctx, a.Database)

	case "define_property":
		if a.Spec == nil {
			return nil, apperr.Validation("define_property requires a spec")
		}
		return dbs.DefineProperty(ctx, a.Database, *a.Spec, actor)
	case "update_property":
		var patch engine.PropertyPatch
		if err := decodePatch(a.Patch, &patch); err != nil {
			return nil, err
		}
		return dbs.UpdateProperty(ctx, a.Database, a.Property, patch, actor)
	case "remove_property":
		return nil, dbs.RemoveProperty(ctx, a.Database, a.Property, actor)
	case "reorder_properties":
		return dbs.ReorderProperties(ctx, a.Database, a.Properties, actor)
	case "save_view":
		if a.View == nil {
			return nil, apperr.Validation("save_view requires a view")
		}
		return dbs.SaveView(ctx, a.Database, *a.View, actor)
	case "remove_view":
		return nil, dbs.RemoveView(ctx, a.Database, a.ViewName, actor)
	case "validate_formula":
		return dbs.ValidateFormula(ctx, a.Database, a.Expression, a.Property)

	case "create_record":
		db, err := dbs.Resolve(ctx, a.Database)
		if err != nil {
			return nil, err
		}
		return recs.AddRecord(ctx, db, a.Values, actor)
	case "update_record":
		return recs.UpdateRecord(ctx, a.Record, a.Values, actor, a.ExpectedVersion)
	case "get_record":
		return recs.GetRecord(ctx, a.Record, a.WithRelations)
	case "list_records":
		db, err := dbs.Resolve(ctx, a.Database)
		if err != nil {
			return nil, err
		}
		return recs.ListRecords(ctx, db)
	case "delete_record":
		return recs.DeleteRecord(ctx, a.Record, actor)

	case "connect":
		return recs.Connect(ctx, a.Record, a.Target, a.Property, actor)
	case "disconnect":
		return nil, recs.Disconnect(ctx, a.Record, a.Target, a.Property, actor)
	case "related_records":
		return recs.RelatedRecords(ctx, a.Record, a.Property)

	case "compute_rollup":
		return recs.ComputeRollup(ctx, a.Record, a.Property)
	case "evaluate_formula":
		return recs.EvaluateFormula(ctx, a.Record, a.Property, a.Variables)
	case "evaluate_expression":
		db, err := dbs.Resolve(ctx, a.Database)
		if err != nil {
			return nil, err
		}
		return recs.EvaluateExpression(ctx, db, a.Record, a.Expression, a.Variables)

	case "apply_view":
		db, err := dbs.Resolve(ctx, a.Database)
		if err != nil {
			return nil, err
		}
		return recs.ApplyView(ctx, db, a.ViewName, a.Records)
	case "query_view":
		if a.View == nil {
			return nil, apperr.Validation("query_view requires a view")
		}
		db, err := dbs.Resolve(ctx, a.Database)
		if err != nil {
			return nil, err
		}
		return recs.QueryView(ctx, db, *a.View, a.Records)

	case "recover":
		return sm.Engine.Recover(ctx)
	case "":
		return nil, apperr.Validation("op is required")
	}
	return nil, apperr.Validation("unknown op %q", op)
}

func decodePatch(raw json.RawMessage, into interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return apperr.Validation("patch is required")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return apperr.Validation("malformed patch: %v", err)
	}
	return nil
}

func failed(op string, err error) *CommandResponse {
	return &CommandResponse{Op: op, Error: errorBody(err)}
}

func errorBody(err error) *ErrorBody {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return &ErrorBody{Kind: appErr.Kind.String(), Status: appErr.Status(), Message: err.Error()}
	}
	return &ErrorBody{Kind: "internal", Status: http.StatusInternalServerError, Message: err.Error()}
}

func countOf(result interface{}) int {
	switch r := result.(type) {
	case nil:
		return 0
	case []*models.Database:
		return len(r)
	case []*models.Record:
		return len(r)
	case *engine.DeleteResult:
		return len(r.Deleted)
	case *views.Projection:
		return r.Total
	}
	return 1
}

// ScriptResult summarizes an ExecuteScript run.
type ScriptResult struct {
	Executed int
	Failed   int
}

// ExecuteScript reads one JSON command per line from r and writes one JSON
// response per line to w. Blank lines and lines starting with '#' are
// skipped. It stops early only on read, write or context errors.
func ExecuteScript(ctx context.Context, sm *ServiceManager, r io.Reader, w io.Writer, logger *zap.SugaredLogger) (ScriptResult, error) {
	var res ScriptResult
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	writer := bufio.NewWriter(w)
	defer writer.Flush()

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var resp *CommandResponse
		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			resp = failed("", apperr.Validation("line %d: malformed command: %v", lineNo, err))
		} else {
			var err error
			resp, err = CommandDirector(ctx, sm, cmd, logger)
			if err != nil {
				return res, err
			}
		}
		res.Executed++
		if resp.Error != nil {
			res.Failed++
		}
		if err := sendResult(writer, resp); err != nil {
			return res, err
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read script: %w", err)
	}
	logger.Infow("Script finished", "executed", res.Executed, "failed", res.Failed)
	return res, nil
}

func sendResult(writer *bufio.Writer, resp *CommandResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(failed(resp.Op, fmt.Errorf("failed to encode result: %w", err)))
	}
	if _, err := writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return writer.Flush()
}
