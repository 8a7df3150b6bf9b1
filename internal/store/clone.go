package store

import "github.com/planguard/control-plane/pkg/models"

// cloneValue deep-copies JSON-like trees. Leaves are shared; they are immutable.
func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string{}, val...)
	default:
		return v
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}

func cloneStep(s models.Step) models.Step {
	return models.Step{
		Op:       s.Op,
		Args:     cloneMap(s.Args),
		ToolCaps: cloneStrings(s.ToolCaps),
		DataCaps: cloneStrings(s.DataCaps),
		Deps:     append([]int(nil), s.Deps...),
	}
}

func clonePlan(p *models.Plan) *models.Plan {
	c := *p
	if p.Steps != nil {
		c.Steps = make([]models.Step, len(p.Steps))
		for i, s := range p.Steps {
			c.Steps[i] = cloneStep(s)
		}
	}
	if p.Approval != nil {
		a := *p.Approval
		a.Violations = append([]models.PolicyViolation(nil), p.Approval.Violations...)
		a.Grants = append([]models.CapabilityGrant(nil), p.Approval.Grants...)
		if p.Approval.ApprovedAt != nil {
			t := *p.Approval.ApprovedAt
			a.ApprovedAt = &t
		}
		c.Approval = &a
	}
	return &c
}

func cloneEntity(e *models.Entity) *models.Entity {
	c := *e
	c.Capabilities = cloneStrings(e.Capabilities)
	c.Embedding = append([]float64(nil), e.Embedding...)
	c.Metadata = cloneMap(e.Metadata)
	return &c
}

func cloneProvider(p *models.ToolProvider) *models.ToolProvider {
	c := *p
	c.AuthConfig = cloneMap(p.AuthConfig)
	c.Tools = append([]models.ProviderTool(nil), p.Tools...)
	return &c
}
