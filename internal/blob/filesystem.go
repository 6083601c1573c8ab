package blob

import (
	"ixstudy/internal/infra/blob/fs"
)

// NewFilesystem returns an archive rooted at the given directory. An empty
// root falls back to ./archive.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}
