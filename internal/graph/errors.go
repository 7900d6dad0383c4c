package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCyclicDependency indicates a circular dependency was found in the task list.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrUnknownDependency indicates a task depends on an id outside the submission.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrDuplicateTask indicates two tasks share an id.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrEmptyTaskID indicates a task was submitted without an id.
	ErrEmptyTaskID = errors.New("empty task id")
)

// GraphError is returned by Build when the submission cannot form a DAG.
// Kind is one of the sentinel errors above, so errors.Is works on it.
type GraphError struct {
	Kind error
	// TaskID is the offending task, when there is one.
	TaskID string
	// Reference is the unresolved dependency id for ErrUnknownDependency.
	Reference string
	// Cycle is the node sequence of the loop, first element repeated at the end.
	Cycle []string
	Msg   string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func cycleError(path []string) error {
	return &GraphError{
		Kind:   ErrCyclicDependency,
		TaskID: path[0],
		Cycle:  path,
		Msg:    strings.Join(path, " -> "),
	}
}

func unknownDependencyError(taskID, ref string) error {
	return &GraphError{
		Kind:      ErrUnknownDependency,
		TaskID:    taskID,
		Reference: ref,
		Msg:       fmt.Sprintf("task %q depends on unknown task %q", taskID, ref),
	}
}

func duplicateError(taskID string) error {
	return &GraphError{
		Kind:   ErrDuplicateTask,
		TaskID: taskID,
		Msg:    fmt.Sprintf("task %q declared more than once", taskID),
	}
}
