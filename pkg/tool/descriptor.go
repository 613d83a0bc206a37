package tool

import (
	"context"
	"encoding/json"
)

// Descriptor is the listing shape exposed to the HIL UI
type Descriptor struct {
	Name                string   `json:"name"`
	NameFrontend        string   `json:"name_frontend"`
	Description         string   `json:"description"`
	DescriptionFrontend string   `json:"description_frontend"`
	Utterances          []string `json:"utterances"`
	InputSchema         string   `json:"input_schema"`
	HIL                 bool     `json:"hil"`
	IsOnline            bool     `json:"is_online"`
}

// Describe builds a descriptor for a single tool with a known health state
func Describe(t Tool, online bool) Descriptor {
	meta := t.Metadata()
	schema, err := json.Marshal(t.InputSchema())
	if err != nil {
		schema = []byte("{}")
	}
	utterances := meta.Utterances
	if utterances == nil {
		utterances = []string{}
	}

	return Descriptor{
		Name:                t.Name(),
		NameFrontend:        meta.NameFrontend,
		Description:         t.Description(),
		DescriptionFrontend: meta.DescriptionFrontend,
		Utterances:          utterances,
		InputSchema:         string(schema),
		HIL:                 t.RequiresHIL(),
		IsOnline:            online,
	}
}

// Describe lists every registered tool in registration order
func (r *Registry) Describe(ctx context.Context) []Descriptor {
	health := r.HealthCheckAll(ctx, &ExecutionContext{})
	tools := r.List()

	descriptors := make([]Descriptor, 0, len(tools))
	for _, t := range tools {
		descriptors = append(descriptors, Describe(t, health[t.Name()]))
	}
	return descriptors
}

// DescribeTool lists a single tool, probing it with a default context
func (r *Registry) DescribeTool(ctx context.Context, name string) (Descriptor, bool) {
	t, ok := r.Get(name)
	if !ok {
		return Descriptor{}, false
	}

	r.mu.RLock()
	timeout := r.probeTimeout
	r.mu.RUnlock()

	return Describe(t, probe(ctx, t, &ExecutionContext{}, timeout)), true
}
