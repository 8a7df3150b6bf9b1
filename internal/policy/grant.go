package policy

import (
	"context"

	"github.com/planguard/control-plane/internal/refscan"
	"github.com/planguard/control-plane/pkg/models"
)

// Grant computes the capability declarations that would clear the tool and
// data checks for every step: missing required tool-capabilities and the
// DataCap tags of referenced entities are added, unknown or mis-kinded
// declarations are stripped. The input is not modified. Dependency
// violations are not touched; they cannot be granted away.
func (e *Engine) Grant(ctx context.Context, steps []models.Step) ([]models.Step, []models.CapabilityGrant, error) {
	args := make([]interface{}, len(steps))
	for i, s := range steps {
		args[i] = s.Args
	}
	entities, err := e.resolve(ctx, refscan.Scan(args...))
	if err != nil {
		return nil, nil, err
	}
	snap := e.registry.Snapshot()

	out := make([]models.Step, len(steps))
	var grants []models.CapabilityGrant
	for i, step := range steps {
		g := models.CapabilityGrant{StepIndex: i}

		tools := make([]string, 0, len(step.ToolCaps))
		for _, c := range step.ToolCaps {
			if snap.Has(c, models.ToolCap) {
				tools = append(tools, c)
			} else {
				g.Stripped = append(g.Stripped, c)
			}
		}
		have := toSet(tools)
		for _, r := range e.ops.RequiredToolCaps(step.Op) {
			if !have[r] && snap.Has(r, models.ToolCap) {
				tools = append(tools, r)
				have[r] = true
				g.ToolCaps = append(g.ToolCaps, r)
			}
		}

		data := make([]string, 0, len(step.DataCaps))
		for _, c := range step.DataCaps {
			if snap.Has(c, models.DataCap) {
				data = append(data, c)
			} else {
				g.Stripped = append(g.Stripped, c)
			}
		}
		haveData := toSet(data)
		for _, id := range refscan.Scan(step.Args) {
			ent, ok := entities[id]
			if !ok {
				continue
			}
			for _, tag := range ent.Capabilities {
				if snap.Has(tag, models.DataCap) && !haveData[tag] {
					data = append(data, tag)
					haveData[tag] = true
					g.DataCaps = append(g.DataCaps, tag)
				}
			}
		}

		step.ToolCaps = tools
		step.DataCaps = data
		step.Deps = append([]int{}, step.Deps...)
		out[i] = step
		if len(g.ToolCaps)+len(g.DataCaps)+len(g.Stripped) > 0 {
			grants = append(grants, g)
		}
	}
	return out, grants, nil
}
