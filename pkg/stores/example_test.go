package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/expctl/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a ledger.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: stores.MemoryPath,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_ListRuns records two iterations of a repeated run.
func ExampleSQLiteStore_ListRuns() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.MemoryPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	for i, metric := range []float64{1.5, 2.5} {
		id := fmt.Sprintf("ping-%d", i+1)
		_ = store.CreateRun(ctx, &stores.Run{ID: id, Name: "ping", Index: i + 1, ExpID: id})
		_ = store.CompleteRun(ctx, id, stores.RunStatusCompleted, &metric, nil)
	}

	runs, _ := store.ListRuns(ctx, "ping")
	for _, run := range runs {
		fmt.Println(run.Index, run.Status, *run.Metric)
	}
	// Output:
	// 1 completed 1.5
	// 2 completed 2.5
}
