package config

import (
	"fmt"

	"github.com/openfroyo/expctl/pkg/engine"
)

// Applied maps description ids to the guids registered for them.
type Applied struct {
	Guids map[string]engine.Guid

	// Groups lists the deployment group ids in deploy order.
	Groups []int

	ids map[engine.Guid]string
}

// Guid returns the guid registered for id.
func (a *Applied) Guid(id string) (engine.Guid, bool) {
	g, ok := a.Guids[id]
	return g, ok
}

// ID returns the description id of guid.
func (a *Applied) ID(guid engine.Guid) string {
	return a.ids[guid]
}

// GuidsOf maps ids to guids, skipping unknown ids.
func (a *Applied) GuidsOf(ids []string) []engine.Guid {
	out := make([]engine.Guid, 0, len(ids))
	for _, id := range ids {
		if g, ok := a.Guids[id]; ok {
			out = append(out, g)
		}
	}
	return out
}

// Apply registers the resources, attributes, traces, connections and
// conditions of desc with ec. Attributes are set directly, before any
// task can run.
func Apply(ec *engine.ExperimentController, desc *Description) (*Applied, error) {
	applied := &Applied{
		Guids: make(map[string]engine.Guid, len(desc.Resources)),
		ids:   make(map[engine.Guid]string, len(desc.Resources)),
	}

	for _, spec := range desc.Resources {
		guid, err := ec.RegisterResource(spec.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to register resource %s: %w", spec.ID, err)
		}
		applied.Guids[spec.ID] = guid
		applied.ids[guid] = spec.ID

		r, _ := ec.Resource(guid)
		for _, name := range sortedKeys(spec.Attributes) {
			if err := r.Set(name, spec.Attributes[name]); err != nil {
				return nil, fmt.Errorf("failed to set %s.%s: %w", spec.ID, name, err)
			}
		}
		for _, name := range spec.Traces {
			if err := ec.RegisterTrace(guid, name); err != nil {
				return nil, fmt.Errorf("failed to enable trace %s.%s: %w", spec.ID, name, err)
			}
		}
	}

	type pair struct{ a, b engine.Guid }
	connected := make(map[pair]bool)
	for _, spec := range desc.Resources {
		g1 := applied.Guids[spec.ID]
		for _, other := range spec.Connections {
			g2, ok := applied.Guids[other]
			if !ok {
				return nil, fmt.Errorf("resource %s connects to unknown resource %s", spec.ID, other)
			}
			key := pair{g1, g2}
			if g2 < g1 {
				key = pair{g2, g1}
			}
			if connected[key] {
				continue
			}
			if err := ec.RegisterConnection(g1, g2); err != nil {
				return nil, fmt.Errorf("failed to connect %s to %s: %w", spec.ID, other, err)
			}
			connected[key] = true
		}
	}

	for i, cond := range desc.Conditions {
		state, err := engine.ParseResourceState(cond.State)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		err = ec.RegisterCondition(
			applied.GuidsOf(cond.Resources),
			engine.ResourceAction(cond.Action),
			applied.GuidsOf(cond.After),
			state,
			cond.Delay,
		)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
	}

	return applied, nil
}

// Deploy deploys the resources of desc: each configured group in order,
// then every resource not in a group. The group ids are recorded in applied.
func Deploy(ec *engine.ExperimentController, desc *Description, applied *Applied) error {
	wait := engine.WaitAllReady(desc.Deploy.WaitAll())

	grouped := make(map[string]bool)
	for _, group := range desc.Deploy.Groups {
		for _, id := range group {
			grouped[id] = true
		}
		id, err := ec.Deploy(applied.GuidsOf(group), wait)
		if err != nil {
			return fmt.Errorf("failed to deploy group: %w", err)
		}
		applied.Groups = append(applied.Groups, id)
	}

	var rest []string
	for _, spec := range desc.Resources {
		if !grouped[spec.ID] {
			rest = append(rest, spec.ID)
		}
	}
	if len(rest) == 0 {
		return nil
	}

	id, err := ec.Deploy(applied.GuidsOf(rest), wait)
	if err != nil {
		return fmt.Errorf("failed to deploy resources: %w", err)
	}
	applied.Groups = append(applied.Groups, id)
	return nil
}
