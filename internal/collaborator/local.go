package collaborator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/planguard/control-plane/pkg/models"
)

// LocalExecutor runs a small set of built-in operations without side
// effects. It is the fallback when no remote executor or tool provider
// handles an operation.
type LocalExecutor struct{}

func NewLocalExecutor() *LocalExecutor { return &LocalExecutor{} }

// Operations lists the built-in operation names.
func (LocalExecutor) Operations() []string {
	return []string{"analyze", "create_document", "echo", "send_message", "summarize"}
}

func (l *LocalExecutor) Execute(ctx context.Context, step models.Step, stepCtx map[string]interface{}) (*ExecutionOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch step.Op {
	case "create_document":
		return createDocument(step), nil
	case "send_message":
		return sendMessage(step, stepCtx), nil
	case "summarize":
		return summarize(step, stepCtx), nil
	case "analyze":
		text := gatherText(step, stepCtx)
		return &ExecutionOutput{Result: map[string]interface{}{
			"words":      len(strings.Fields(text)),
			"characters": len(text),
		}}, nil
	case "echo":
		return &ExecutionOutput{Result: map[string]interface{}{"args": step.Args, "context": stepCtx}}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", step.Op)
	}
}

func createDocument(step models.Step) *ExecutionOutput {
	title := argString(step.Args, "title")
	content := argString(step.Args, "content")
	if content == "" {
		content = title
	}
	id := uuid.NewString()
	return &ExecutionOutput{
		Result: map[string]interface{}{"document_id": id, "title": title},
		Entities: []ProducedEntity{{
			ID:       id,
			Content:  content,
			Metadata: map[string]interface{}{"title": title, "kind": "document"},
		}},
	}
}

func sendMessage(step models.Step, stepCtx map[string]interface{}) *ExecutionOutput {
	body := argString(step.Args, "body")
	if body == "" {
		body = gatherText(step, stepCtx)
	}
	return &ExecutionOutput{Result: map[string]interface{}{
		"delivered": true,
		"dry_run":   true,
		"to":        step.Args["to"],
		"bytes":     len(body),
	}}
}

func summarize(step models.Step, stepCtx map[string]interface{}) *ExecutionOutput {
	text := gatherText(step, stepCtx)
	summary := text
	if words := strings.Fields(text); len(words) > 40 {
		summary = strings.Join(words[:40], " ") + " ..."
	}
	id := uuid.NewString()
	return &ExecutionOutput{
		Result:   map[string]interface{}{"summary": summary, "summary_id": id},
		Entities: []ProducedEntity{{ID: id, Content: summary, Metadata: map[string]interface{}{"kind": "summary"}}},
	}
}

// gatherText collects string content from the args and the dependency
// results in deterministic order.
func gatherText(step models.Step, stepCtx map[string]interface{}) string {
	var parts []string
	for _, k := range []string{"text", "content", "body", "title"} {
		if s := argString(step.Args, k); s != "" {
			parts = append(parts, s)
		}
	}
	keys := make([]string, 0, len(stepCtx))
	for k := range stepCtx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		collectStrings(stepCtx[k], &parts)
	}
	return strings.Join(parts, "\n")
}

func collectStrings(v interface{}, out *[]string) {
	switch t := v.(type) {
	case string:
		if _, err := uuid.Parse(t); err != nil {
			*out = append(*out, t)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStrings(t[k], out)
		}
	case []interface{}:
		for _, x := range t {
			collectStrings(x, out)
		}
	}
}

func argString(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}
