package flowgraph

import (
	"context"
	"encoding/json"
	"os"

	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/validation"
	"github.com/convoflow/convoflow/pkg/schema"
)

// Loader materializes flow definitions into Graphs, from either the document
// store (flow/tag/module tables) or a static JSON file, selected by
// configuration.
type Loader struct {
	store     store.Store
	validator *validation.NodeValidator
}

// NewLoader creates a Loader over the given store. A nil validator skips
// config validation (used by tests that build graphs directly).
func NewLoader(st store.Store, v *validation.NodeValidator) *Loader {
	return &Loader{store: st, validator: v}
}

// LoadFromStore assembles the flow's graph from its stored definition. When
// the flow has an active tag with modules, nodes come from the modules of
// that snapshot and flow variables from the tag; otherwise the flow row's own
// definition document is used.
func (l *Loader) LoadFromStore(ctx context.Context, flowID string) (*Graph, error) {
	flowID = schema.NormalizeFlowID(flowID)

	rec, err := l.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	def, err := l.assembleDefinition(ctx, rec)
	if err != nil {
		return nil, err
	}
	return l.build(flowID, def)
}

// LoadFromFile builds a graph from a static JSON flow document.
func (l *Loader) LoadFromFile(flowID, path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read flow file %q: %s", path, err.Error()).WithCause(err)
	}
	var def schema.FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse flow file %q: %s", path, err.Error()).WithCause(err)
	}
	return l.build(schema.NormalizeFlowID(flowID), &def)
}

func (l *Loader) assembleDefinition(ctx context.Context, rec *store.FlowRecord) (*schema.FlowDefinition, error) {
	var def schema.FlowDefinition
	if len(rec.Definition) > 0 {
		if err := json.Unmarshal(rec.Definition, &def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse flow %q definition: %s", rec.ID, err.Error()).WithCause(err)
		}
	}
	if def.FlowVars == nil {
		def.FlowVars = rec.FlowVars
	}

	active := true
	tags, err := l.store.ListTags(ctx, store.TagFilter{FlowID: rec.ID, Active: &active, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return &def, nil
	}
	tag := tags[0]

	modules, err := l.store.ListModules(ctx, rec.ID, tag.ID)
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return &def, nil
	}

	// The active snapshot overrides the flow row: nodes come from its
	// modules, variables from the tag.
	def.Nodes = nil
	for _, mod := range modules {
		var nodes []json.RawMessage
		if err := json.Unmarshal(mod.Nodes, &nodes); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse module %q nodes: %s", mod.Name, err.Error()).WithCause(err)
		}
		def.Nodes = append(def.Nodes, nodes...)
	}
	if len(tag.FlowVars) > 0 {
		def.FlowVars = tag.FlowVars
	}
	return &def, nil
}

func (l *Loader) build(flowID string, def *schema.FlowDefinition) (*Graph, error) {
	if l.validator != nil {
		for _, raw := range def.Nodes {
			if err := l.validator.Validate(raw); err != nil {
				return nil, err
			}
		}
	}
	return Build(flowID, def)
}
