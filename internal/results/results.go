// Package results implements the hierarchical OK/WARN/ERR status tree
// rendered at the end of a run.
package results

import (
	"fmt"
	"strings"
)

// Status is the outcome of one task.
type Status int

const (
	StatusOK Status = iota
	StatusWarn
	StatusErr
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarn:
		return "WARN"
	case StatusErr:
		return "ERR"
	}
	return "?"
}

// Result is a node in the status tree. Leaves carry an explicit status;
// composites derive theirs from their children unless a policy override
// was applied.
type Result struct {
	Task    string
	Message string

	status   Status
	explicit bool
	children []*Result
}

func leaf(status Status, task, message string) *Result {
	return &Result{Task: task, Message: message, status: status, explicit: true}
}

// OK returns a leaf with explicit OK status.
func OK(task, message string) *Result { return leaf(StatusOK, task, message) }

// Warn returns a leaf with explicit WARN status.
func Warn(task, message string) *Result { return leaf(StatusWarn, task, message) }

// Err returns a leaf with explicit ERR status.
func Err(task, message string) *Result { return leaf(StatusErr, task, message) }

// Errf returns an ERR leaf with a formatted message.
func Errf(task, format string, args ...any) *Result {
	return Err(task, fmt.Sprintf(format, args...))
}

// FromChildren returns a composite whose status is derived bottom-up.
func FromChildren(task string, children ...*Result) *Result {
	return &Result{Task: task, children: children}
}

// Add appends a child. Only meaningful on composites.
func (r *Result) Add(children ...*Result) {
	r.children = append(r.children, children...)
}

// Children returns the ordered child results.
func (r *Result) Children() []*Result { return r.children }

// Override replaces the derived status with an explicit one. Used by
// fault tolerance policies to demote transfer errors on optional
// repositories.
func (r *Result) Override(status Status, message string) {
	r.status = status
	r.explicit = true
	if message != "" {
		r.Message = message
	}
}

// Status returns the explicit status of a leaf, or derives it from the
// children: OK iff all children are OK, ERR if any child is ERR, WARN
// otherwise. A composite without children is OK.
func (r *Result) Status() Status {
	if r.explicit {
		return r.status
	}
	derived := StatusOK
	for _, child := range r.children {
		switch child.Status() {
		case StatusErr:
			return StatusErr
		case StatusWarn:
			derived = StatusWarn
		}
	}
	return derived
}

// Render returns the indented human-readable tree.
func (r *Result) Render() string {
	var b strings.Builder
	r.render(&b, "")
	return b.String()
}

func (r *Result) render(b *strings.Builder, indent string) {
	status := fmt.Sprintf("%-5s", r.Status())
	if r.Task != "" {
		fmt.Fprintf(b, "%s%s %s\n", indent, status, r.Task)
		if r.Message != "" {
			fmt.Fprintf(b, "%s       ↳ %s\n", indent, r.Message)
		}
	} else if r.Message != "" {
		fmt.Fprintf(b, "%s%s %s\n", indent, status, r.Message)
	} else {
		fmt.Fprintf(b, "%s%s\n", indent, strings.TrimRight(status, " "))
	}
	for _, child := range r.children {
		child.render(b, indent+"  ")
	}
}
