package ports

import "github.com/eleven-am/weft/internal/domain"

// CompilerPort turns an editable graph into its immutable executable form.
// Compilation is pure: no storage access, no side effects.
type CompilerPort interface {
	Compile(graph domain.Graph) (*domain.ExecutionGraph, error)
}
