package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cryguy/esmgraph"
	"github.com/cryguy/esmgraph/internal/snapstore"
)

var (
	snapshotDataDir string
	snapshotName    string
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save and inspect registry snapshots (§4.8)",
	}

	cmd.PersistentFlags().StringVar(&snapshotDataDir, "data-dir", "./esmgraph-data", "directory holding the snapshot database")

	saveCmd := &cobra.Command{
		Use:   "save <entry>",
		Short: "Load a module graph and persist its snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotSave,
	}
	saveCmd.Flags().StringVar(&snapshotName, "name", "", "name to store the snapshot under (default: a generated id)")

	restoreCmd := &cobra.Command{
		Use:   "restore <name>",
		Short: "Load a stored snapshot and print its module graph",
		Long: `restore reads the snapshot stored under name back out of the
snapshot database and prints it the same way "esmgraph load" prints a
freshly loaded graph. It round-trips the §4.8 wire format through
storage; it does not reattach live engine module handles, which is the
caller's own responsibility per registry.Restore's contract — that
needs compiled module handles from the same engine instance that
produced the snapshot, which a one-shot CLI invocation does not have.`,
		Args: cobra.ExactArgs(1),
		RunE: runSnapshotRestore,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshot names",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotList,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotDelete,
	}

	cmd.AddCommand(saveCmd, restoreCmd, listCmd, deleteCmd)
	return cmd
}

func runSnapshotSave(cmd *cobra.Command, args []string) error {
	entry := args[0]

	rootSpec, ld, err := resolveEntryLoader(entry)
	if err != nil {
		return err
	}

	graph, err := esmgraph.NewGraphWithLoader(esmgraph.Config{}, ld)
	if err != nil {
		return fmt.Errorf("creating graph: %w", err)
	}
	defer graph.Close()

	if _, err := graph.LoadMain(context.Background(), rootSpec); err != nil {
		return fmt.Errorf("loading %s: %w", rootSpec, err)
	}

	store, err := snapstore.Open(snapshotDataDir)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer store.Close()

	snap := graph.Serialize()
	if snapshotName != "" {
		if err := store.Save(snapshotName, snap); err != nil {
			return fmt.Errorf("saving snapshot: %w", err)
		}
		fmt.Fprintf(os.Stdout, "saved snapshot %q\n", snapshotName)
		return nil
	}

	name, err := store.SaveGenerated(snap)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	fmt.Fprintf(os.Stdout, "saved snapshot %q\n", name)
	return nil
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	name := args[0]

	store, err := snapstore.Open(snapshotDataDir)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer store.Close()

	snap, err := store.Load(name)
	if err != nil {
		return fmt.Errorf("loading snapshot %q: %w", name, err)
	}

	infos := snap.Info
	sort.Slice(infos, func(i, j int) bool { return infos[i].Id < infos[j].Id })
	for _, info := range infos {
		main := ""
		if info.Main {
			main = " (main)"
		}
		specs := make([]string, 0, len(info.RequestsFlat)/2)
		for j := 0; j < len(info.RequestsFlat); j += 2 {
			if spec, ok := info.RequestsFlat[j].(string); ok {
				specs = append(specs, spec)
			}
		}
		fmt.Fprintf(os.Stdout, "[%d]%s %s (%s) -> %s\n", info.Id, main, info.Name, esmgraph.ModuleType(info.ModuleType), strings.Join(specs, ", "))
	}
	return nil
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	store, err := snapstore.Open(snapshotDataDir)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer store.Close()

	names, err := store.List()
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	for _, name := range names {
		fmt.Fprintln(os.Stdout, name)
	}
	return nil
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	name := args[0]

	store, err := snapstore.Open(snapshotDataDir)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer store.Close()

	if err := store.Delete(name); err != nil {
		return fmt.Errorf("deleting snapshot %q: %w", name, err)
	}
	fmt.Fprintf(os.Stdout, "deleted snapshot %q\n", name)
	return nil
}
