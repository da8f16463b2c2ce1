package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/navcache/navcache/internal/engine"
	"github.com/navcache/navcache/internal/preload"
	"github.com/navcache/navcache/pkg/types"
)

var tracePath string

// Trace is a recorded or scripted set of navigation sessions.
type Trace struct {
	// Start is the simulated wall clock of the first navigation.
	Start time.Time `yaml:"start"`

	// Step is the think time between two navigations of a session.
	Step time.Duration `yaml:"step"`

	// Latency is how long each synthetic fetch takes.
	Latency time.Duration `yaml:"latency"`

	// PayloadSize is the size of each synthetic value, e.g. "4KiB".
	PayloadSize string `yaml:"payload_size"`

	// Data lists the keys each route needs. Routes not listed need one key.
	Data map[string][]string `yaml:"data"`

	Sessions []TraceSession `yaml:"sessions"`
}

// TraceSession is one user's ordered list of visited routes.
type TraceSession struct {
	ID     string   `yaml:"id"`
	Role   string   `yaml:"role"`
	Device string   `yaml:"device"`
	Routes []string `yaml:"routes"`
}

// PageLoads counts the data reads performed on arrival at a route.
type PageLoads struct {
	Reads   int     `json:"reads"`
	Hits    int     `json:"hits"`
	Misses  int     `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// SimulationResult is printed by the simulate command.
type SimulationResult struct {
	Navigations int             `json:"navigations"`
	Fetches     int64           `json:"fetches"`
	PageLoads   PageLoads       `json:"page_loads"`
	Engine      engine.Snapshot `json:"engine"`
}

func init() {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a navigation trace through a full engine",
		Long: "Replays the sessions of a YAML trace with synthetic fetchers, then prints " +
			"page load hit rates, preload performance metrics and cache statistics.",
		Args: cobra.NoArgs,
		RunE: runSimulate,
	}
	cmd.Flags().StringVarP(&tracePath, "trace", "t", "", "Trace file (YAML)")
	_ = cmd.MarkFlagRequired("trace")

	RootCmd.AddCommand(cmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	trace, err := loadTrace(tracePath)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	res, err := simulate(cmd.Context(), trace, func(src *syntheticSource, clock *simClock) (*engine.Engine, error) {
		return engine.New(cmd.Context(), cfg, src, engine.WithClock(clock.Now))
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func loadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}

	trace := &Trace{}
	if err := yaml.Unmarshal(data, trace); err != nil {
		return nil, fmt.Errorf("parse trace %s: %w", path, err)
	}
	if len(trace.Sessions) == 0 {
		return nil, fmt.Errorf("trace %s has no sessions", path)
	}
	if trace.Start.IsZero() {
		trace.Start = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	}
	if trace.Step <= 0 {
		trace.Step = 30 * time.Second
	}
	if trace.PayloadSize == "" {
		trace.PayloadSize = "2KiB"
	}
	return trace, nil
}

func simulate(ctx context.Context, trace *Trace, build func(*syntheticSource, *simClock) (*engine.Engine, error)) (*SimulationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	size, err := humanize.ParseBytes(trace.PayloadSize)
	if err != nil {
		return nil, fmt.Errorf("payload_size %q: %w", trace.PayloadSize, err)
	}

	clock := &simClock{now: trace.Start}
	src := &syntheticSource{data: trace.Data, latency: trace.Latency, payload: bytes.Repeat([]byte{'x'}, int(size))}

	e, err := build(src, clock)
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Stop(ctx)
		return nil, err
	}

	res := &SimulationResult{}
	for _, s := range trace.Sessions {
		nav := preload.NavContext{SessionID: s.ID, Role: s.Role, Device: types.DeviceClass(s.Device)}
		from := ""
		for _, route := range s.Routes {
			nav.Time = clock.Now()
			e.Navigate(ctx, from, route, nav)
			res.Navigations++

			for _, req := range src.Resolve(route) {
				res.PageLoads.Reads++
				if e.Cache().Has(ctx, req.Key) {
					res.PageLoads.Hits++
				} else {
					res.PageLoads.Misses++
				}
				if _, err := e.Cache().Get(ctx, req.Key, req.Fetcher); err != nil {
					_ = e.Stop(ctx)
					return nil, fmt.Errorf("load %s for %s: %w", req.Key, route, err)
				}
			}

			if err := e.Preloader().Drain(ctx); err != nil {
				_ = e.Stop(ctx)
				return nil, err
			}
			e.Tick(ctx, clock.Advance(trace.Step))
			from = route
		}
	}
	if res.PageLoads.Reads > 0 {
		res.PageLoads.HitRate = float64(res.PageLoads.Hits) / float64(res.PageLoads.Reads)
	}
	res.Fetches = src.Fetches()
	res.Engine = e.Snapshot()

	if err := e.Stop(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// simClock is a manually advanced clock.
type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// syntheticSource resolves routes to fixed payloads and counts fetches.
type syntheticSource struct {
	data    map[string][]string
	latency time.Duration
	payload []byte

	mu      sync.Mutex
	fetches int64
}

func (s *syntheticSource) Resolve(route string) []preload.DataRequest {
	keys, ok := s.data[route]
	if !ok {
		keys = []string{"page:" + route}
	}
	reqs := make([]preload.DataRequest, 0, len(keys))
	for _, k := range keys {
		reqs = append(reqs, preload.DataRequest{Key: k, Fetcher: s.fetch})
	}
	return reqs
}

func (s *syntheticSource) fetch(ctx context.Context) ([]byte, error) {
	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	s.mu.Lock()
	s.fetches++
	s.mu.Unlock()
	return s.payload, nil
}

func (s *syntheticSource) Fetches() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}
