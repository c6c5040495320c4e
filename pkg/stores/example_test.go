package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/openfroyo/wsm/pkg/stores"
)

// ExampleStore_Claim shows two runs competing for the same workspace.
func ExampleStore_Claim() {
	dir, err := os.MkdirTemp("", "wsm-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := stores.NewStore(stores.Config{Path: filepath.Join(dir, "wsm.db")})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	ws := &stores.Workspace{ID: "ws-1", DisplayName: "demo"}
	if err := store.CreateWorkspaceStart(ctx, ws, "run-create"); err != nil {
		log.Fatal(err)
	}
	if err := store.CreateSuccess(ctx, stores.WorkspaceRef("ws-1"), "run-create"); err != nil {
		log.Fatal(err)
	}

	ready := []stores.State{stores.StateReady}
	first, _ := store.Claim(ctx, stores.WorkspaceRef("ws-1"), ready, stores.StateDeleting, "run-a")
	second, _ := store.Claim(ctx, stores.WorkspaceRef("ws-1"), ready, stores.StateDeleting, "run-b")
	again, _ := store.Claim(ctx, stores.WorkspaceRef("ws-1"), ready, stores.StateDeleting, "run-a")

	fmt.Println(first, second, again)
	// Output: true false true
}
