package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/franz/dive-atlas/internal/remote"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/spf13/cobra"
)

var docsServerCmd = &cobra.Command{
	Use:   "docs-server",
	Short: "Serve an in-memory document store for local development",
	Long: `Serve the document store protocol used by --docs-url from memory.

--fixture loads a JSON file mapping collection names to arrays of documents,
each with an "id" field. Everything is lost when the server stops.`,
	RunE: runDocsServer,
}

func init() {
	rootCmd.AddCommand(docsServerCmd)

	docsServerCmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	docsServerCmd.Flags().String("fixture", "", "JSON file with initial documents")
}

func runDocsServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	addr, _ := cmd.Flags().GetString("addr")
	fixture, _ := cmd.Flags().GetString("fixture")

	store := remote.NewMemoryStore()
	if fixture != "" {
		n, err := loadFixture(ctx, store, fixture)
		if err != nil {
			return err
		}
		util.InfoLog("Loaded %d documents from %s", n, fixture)
	}

	server := &http.Server{Addr: addr, Handler: remote.NewHandler(store), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	util.InfoLog("Serving documents on http://%s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loadFixture(ctx context.Context, store *remote.MemoryStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read fixture: %w", err)
	}
	var collections map[string][]remote.Document
	if err := json.Unmarshal(data, &collections); err != nil {
		return 0, fmt.Errorf("%w: fixture %s: %v", util.ErrInvalidInput, path, err)
	}

	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	sort.Strings(names)

	n := 0
	for _, name := range names {
		for _, doc := range collections[name] {
			id, _ := doc["id"].(string)
			if id == "" {
				return n, fmt.Errorf("%w: document without id in %s", util.ErrInvalidInput, name)
			}
			if err := store.Upsert(ctx, name, id, doc); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
