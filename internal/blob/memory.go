package blob

import (
	memorystore "ixstudy/internal/infra/blob/memory"
)

// NewMemory returns an in-memory archive for tests.
func NewMemory() Store { return memorystore.New() }
