package workflow

import (
	"fmt"

	"github.com/mediagen-studio/mediagen/pkg/models"
	"github.com/mediagen-studio/mediagen/pkg/tasks"
)

// ValidateNesting walks the execute_workflow references of a definition and
// rejects illegal nesting before any side effect occurs. A reference is
// illegal when the target does not exist, when the target's own post-tasks
// contain a further execute_workflow (depth above one is categorically
// rejected, cyclic or not), or when a workflow name repeats along the walk.
func ValidateNesting(definition *models.WorkflowDefinition, all []*models.WorkflowDefinition) error {
	index := make(map[string]*models.WorkflowDefinition, len(all))
	for _, def := range all {
		index[def.Name] = def
	}

	visited := map[string]bool{definition.Name: true}

	return checkReferences(definition, index, visited)
}

func checkReferences(definition *models.WorkflowDefinition, index map[string]*models.WorkflowDefinition, visited map[string]bool) error {
	for _, target := range nestedTargets(definition) {
		if visited[target] {
			return fmt.Errorf("%w: workflow %q references %q again", ErrNestingCycle, definition.Name, target)
		}

		targetDef, ok := index[target]
		if !ok {
			return fmt.Errorf("%w: workflow %q references unknown workflow %q", ErrWorkflowNotFound, definition.Name, target)
		}

		if len(nestedTargetsIn(targetDef.PostTasks)) > 0 {
			return fmt.Errorf("%w: workflow %q nests %q which itself nests a workflow", ErrNestingTooDeep, definition.Name, target)
		}

		visited[target] = true

		if err := checkReferences(targetDef, index, visited); err != nil {
			return err
		}
	}

	return nil
}

func nestedTargets(definition *models.WorkflowDefinition) []string {
	targets := nestedTargetsIn(definition.PreTasks)

	return append(targets, nestedTargetsIn(definition.PostTasks)...)
}

func nestedTargetsIn(specs []models.TaskSpec) []string {
	var targets []string

	for _, spec := range specs {
		if spec.Process != tasks.NameExecuteWorkflow {
			continue
		}

		name, _ := spec.Parameters["workflow"].(string)
		targets = append(targets, name)
	}

	return targets
}
