package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/config"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory"
)

var (
	memCategory string
	memLimit    int
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect the memory store",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live entries, optionally filtered by category",
	RunE:  memoryList,
}

var memoryGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Show one entry with its version",
	Args:  cobra.ExactArgs(1),
	RunE:  memoryGet,
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show entry counts per category",
	RunE:  memoryStats,
}

func init() {
	memoryListCmd.Flags().StringVar(&memCategory, "category", "", "category prefix (agents, tasks, endpoints, health, sessions)")
	memoryListCmd.Flags().IntVar(&memLimit, "limit", 50, "maximum entries to list")
	memoryCmd.AddCommand(memoryListCmd, memoryGetCmd, memoryStatsCmd)
	rootCmd.AddCommand(memoryCmd)
}

func openStore() (*memory.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := memory.Open(cfg.MemoryDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}
	return store, nil
}

func memoryList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.list")
	defer span.End()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	prefix := ""
	if memCategory != "" {
		prefix = memCategory + memory.Sep
	}
	entries, err := store.QueryPage(ctx, prefix, "", memLimit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%-40s v%-4d %s\n", e.Key, e.Version, e.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("%d entries\n", len(entries))
	return nil
}

func memoryGet(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.get")
	defer span.End()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	value, version, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	var pretty interface{}
	if err := json.Unmarshal(value, &pretty); err == nil {
		if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			value = out
		}
	}
	fmt.Printf("key:     %s\nversion: %d\n%s\n", args[0], version, value)
	return nil
}

func memoryStats(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.stats")
	defer span.End()

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
	return nil
}
