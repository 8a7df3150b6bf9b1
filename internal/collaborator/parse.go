package collaborator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/planguard/control-plane/pkg/models"
)

// ParsePlannerOutput validates raw planner output. It accepts either
// {"steps": [...], "confidence": x} or a bare array of steps, optionally
// wrapped in a markdown code fence. Missing arrays become empty, args
// defaults to an empty object and confidence is clamped to [0,1].
func ParsePlannerOutput(raw []byte) (*PlanResult, error) {
	raw = stripFence(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty planner output", ErrMalformedOutput)
	}

	var top interface{}
	if err := decodeNumbers(raw, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	var rawSteps []interface{}
	confidence := 0.0
	switch v := top.(type) {
	case []interface{}:
		rawSteps = v
	case map[string]interface{}:
		switch s := v["steps"].(type) {
		case nil:
		case []interface{}:
			rawSteps = s
		default:
			return nil, fmt.Errorf("%w: steps must be an array", ErrMalformedOutput)
		}
		if c, ok := v["confidence"].(json.Number); ok {
			f, err := c.Float64()
			if err == nil && !math.IsNaN(f) {
				confidence = math.Max(0, math.Min(1, f))
			}
		}
	default:
		return nil, fmt.Errorf("%w: expected an object or an array", ErrMalformedOutput)
	}

	steps := make([]models.Step, 0, len(rawSteps))
	for i, rs := range rawSteps {
		step, err := parseStep(rs)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrMalformedOutput, i, err)
		}
		steps = append(steps, step)
	}
	return &PlanResult{Steps: steps, Confidence: confidence}, nil
}

func parseStep(v interface{}) (models.Step, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return models.Step{}, fmt.Errorf("step must be an object")
	}

	op, ok := obj["op"].(string)
	if !ok {
		return models.Step{}, fmt.Errorf("op must be a string")
	}
	op = strings.TrimSpace(op)
	if op == "" {
		return models.Step{}, fmt.Errorf("op must not be empty")
	}

	step := models.Step{Op: op, Args: map[string]interface{}{}}
	switch a := obj["args"].(type) {
	case nil:
	case map[string]interface{}:
		step.Args = normalizeNumbers(a).(map[string]interface{})
	default:
		return models.Step{}, fmt.Errorf("args must be an object")
	}

	var err error
	if step.ToolCaps, err = stringList(obj["tool_caps"], "tool_caps"); err != nil {
		return models.Step{}, err
	}
	if step.DataCaps, err = stringList(obj["data_caps"], "data_caps"); err != nil {
		return models.Step{}, err
	}
	if step.Deps, err = intList(obj["deps"]); err != nil {
		return models.Step{}, err
	}
	return step, nil
}

func stringList(v interface{}, field string) ([]string, error) {
	out := []string{}
	if v == nil {
		return out, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be an array", field)
	}
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings", field)
		}
		out = append(out, s)
	}
	return out, nil
}

func intList(v interface{}) ([]int, error) {
	out := []int{}
	if v == nil {
		return out, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("deps must be an array")
	}
	for _, item := range list {
		n, ok := item.(json.Number)
		if !ok {
			return nil, fmt.Errorf("deps entries must be integers")
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("deps entries must be integers, got %s", n)
		}
		out = append(out, int(i))
	}
	return out, nil
}

// ParseExecutorOutput validates {"result": ..., "entities": [...], "error": "..."}.
func ParseExecutorOutput(raw []byte) (*ExecutionOutput, error) {
	var top interface{}
	if err := decodeNumbers(bytes.TrimSpace(raw), &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	obj, ok := top.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: executor output must be an object", ErrMalformedOutput)
	}

	out := &ExecutionOutput{Result: normalizeNumbers(obj["result"])}
	switch e := obj["error"].(type) {
	case nil:
	case string:
		out.Error = e
	default:
		return nil, fmt.Errorf("%w: error must be a string", ErrMalformedOutput)
	}

	switch list := obj["entities"].(type) {
	case nil:
	case []interface{}:
		for i, item := range list {
			ent, err := parseEntity(item)
			if err != nil {
				return nil, fmt.Errorf("%w: entity %d: %v", ErrMalformedOutput, i, err)
			}
			out.Entities = append(out.Entities, ent)
		}
	default:
		return nil, fmt.Errorf("%w: entities must be an array", ErrMalformedOutput)
	}
	return out, nil
}

func parseEntity(v interface{}) (ProducedEntity, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return ProducedEntity{}, fmt.Errorf("entity must be an object")
	}
	var ent ProducedEntity
	if id, ok := obj["id"].(string); ok {
		ent.ID = id
	}
	switch c := obj["content"].(type) {
	case nil:
	case string:
		ent.Content = c
	default:
		return ProducedEntity{}, fmt.Errorf("content must be a string")
	}
	if emb, ok := obj["embedding"].([]interface{}); ok {
		for _, x := range emb {
			n, ok := x.(json.Number)
			if !ok {
				return ProducedEntity{}, fmt.Errorf("embedding must be numeric")
			}
			f, _ := n.Float64()
			ent.Embedding = append(ent.Embedding, f)
		}
	}
	switch m := obj["metadata"].(type) {
	case nil:
	case map[string]interface{}:
		ent.Metadata = normalizeNumbers(m).(map[string]interface{})
	default:
		return ProducedEntity{}, fmt.Errorf("metadata must be an object")
	}
	return ent, nil
}

func decodeNumbers(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

// normalizeNumbers converts json.Number leaves back to float64 so payloads
// look like plain encoding/json output downstream.
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]interface{}:
		for k, x := range t {
			t[k] = normalizeNumbers(x)
		}
		return t
	case []interface{}:
		for i, x := range t {
			t[i] = normalizeNumbers(x)
		}
		return t
	default:
		return v
	}
}

func stripFence(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return []byte(strings.TrimSpace(s))
}
