package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/navcache/navcache/internal/navigation"
	"github.com/navcache/navcache/internal/preload"
	"github.com/navcache/navcache/internal/storage"
	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
	"github.com/navcache/navcache/pkg/utils"
)

var (
	inspectFrom string
	inspectTop  int
)

// RouteSummary lists the most likely next routes after one route.
type RouteSummary struct {
	From        string                 `json:"from"`
	Transitions []types.NavigationEdge `json:"transitions"`
}

// InspectResult is printed by the inspect command.
type InspectResult struct {
	Backend  string             `json:"backend"`
	Edges    int                `json:"edges"`
	Routes   []RouteSummary     `json:"routes"`
	Feedback map[string]float64 `json:"feedback,omitempty"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show persisted navigation patterns and feedback counters",
		Args:  cobra.NoArgs,
		RunE:  runInspect,
	}
	cmd.Flags().StringVar(&inspectFrom, "from", "", "Only show transitions leaving this route")
	cmd.Flags().IntVarP(&inspectTop, "top", "n", 5, "Transitions per route (0 for all)")

	RootCmd.AddCommand(cmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	durable, err := cfg.DurableSettings()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	kv, err := storage.Open(ctx, durable, utils.NewDiscardLogger())
	if err != nil {
		return err
	}
	defer kv.Close()

	res, err := inspect(ctx, kv, inspectFrom, inspectTop)
	if err != nil {
		return err
	}
	res.Backend = string(durable.Backend)
	return printJSON(cmd.OutOrStdout(), res)
}

func inspect(ctx context.Context, kv types.KVStore, from string, top int) (*InspectResult, error) {
	res := &InspectResult{Routes: []RouteSummary{}}

	var snap []types.Pair[string, []types.NavigationEdge]
	found, err := readState(ctx, kv, preload.PatternsKey, &snap)
	if err != nil {
		return nil, err
	}
	if found {
		tracker := navigation.NewTracker(navigation.DefaultConfig(), navigation.Deps{})
		res.Edges = tracker.Restore(snap)

		routes := tracker.Routes()
		if from != "" {
			routes = []string{from}
		}
		for _, r := range routes {
			res.Routes = append(res.Routes, RouteSummary{From: r, Transitions: tracker.TopTransitions(r, top)})
		}
	}

	var counters []types.Pair[string, float64]
	found, err = readState(ctx, kv, preload.MetricsKey, &counters)
	if err != nil {
		return nil, err
	}
	if found {
		res.Feedback = make(map[string]float64, len(counters))
		for _, p := range counters {
			res.Feedback[p.Key] = p.Value
		}
	}
	return res, nil
}

func readState(ctx context.Context, kv types.KVStore, key string, v interface{}) (bool, error) {
	raw, err := kv.Get(ctx, key)
	if errors.HasCode(err, errors.ErrCodeKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
