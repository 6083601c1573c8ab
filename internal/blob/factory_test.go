package blob

import (
	"context"
	"testing"
)

func TestOpenSelectsDriverFromEnvironment(t *testing.T) {
	ctx := context.Background()

	t.Run("default filesystem", func(t *testing.T) {
		t.Setenv("IXSTUDY_BLOB_DRIVER", "")
		t.Setenv("IXSTUDY_BLOB_FS_ROOT", t.TempDir())
		store, err := Open(ctx)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if store.Driver() != DriverFilesystem {
			t.Fatalf("driver = %s, want %s", store.Driver(), DriverFilesystem)
		}
	})

	t.Run("memory", func(t *testing.T) {
		t.Setenv("IXSTUDY_BLOB_DRIVER", "memory")
		store, err := Open(ctx)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if store.Driver() != DriverMemory {
			t.Fatalf("driver = %s, want %s", store.Driver(), DriverMemory)
		}
	})

	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("IXSTUDY_BLOB_DRIVER", "tape")
		if _, err := Open(ctx); err == nil {
			t.Fatal("Open accepted an unknown driver")
		}
	})
}
