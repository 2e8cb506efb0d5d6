package generation

import (
	"fmt"

	"github.com/mediagen-studio/mediagen/pkg/models"
)

// applyFieldBindings writes generation-data fields into the graph template at
// each binding's declared target path. Skipped bindings leave the template's
// existing value untouched, so the result is a merge over the template, never
// a replace.
func applyFieldBindings(graph map[string]any, bindings []models.FieldBinding, data map[string]any) error {
	for i, binding := range bindings {
		met, err := binding.Condition.Evaluate(data)
		if err != nil {
			return fmt.Errorf("field binding %d: %w", i, err)
		}

		if !met {
			continue
		}

		value, defined := resolveBindingValue(binding, data)
		if !defined {
			continue
		}

		if binding.Prefix != "" || binding.Postfix != "" {
			value = binding.Prefix + fmt.Sprintf("%v", value) + binding.Postfix
		}

		if err := writePath(graph, binding.TargetPath, value); err != nil {
			return fmt.Errorf("field binding %d: %w", i, err)
		}
	}

	return nil
}

func resolveBindingValue(binding models.FieldBinding, data map[string]any) (any, bool) {
	if binding.Literal != nil {
		return binding.Literal, true
	}

	value, ok := data[binding.Source]
	if !ok || value == nil {
		return nil, false
	}

	return value, true
}

// writePath descends the nested-object path, creating intermediate objects
// where the template lacks them, and assigns the final key.
func writePath(graph map[string]any, path []string, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("empty target path")
	}

	current := graph

	for _, key := range path[:len(path)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			if current[key] != nil {
				return fmt.Errorf("target path segment %q is not an object", key)
			}

			next = make(map[string]any)
			current[key] = next
		}

		current = next
	}

	current[path[len(path)-1]] = value

	return nil
}
