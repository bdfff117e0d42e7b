// ============================================================================
// Substrender CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command line interface for rendering scenes and driving a render server
//
// Command Structure:
//   substrender                    # Root command
//   ├── render <scene.yaml>        # Render a scene once and write PNG files
//   │   └── --out, -o              # Output directory
//   ├── serve <scene.yaml>         # Run the controller + gRPC RenderService
//   │   └── --port                 # gRPC port
//   ├── push                       # Push instances on a running server
//   │   ├── --addr                 # Server address
//   │   ├── --instance, -i         # Instance name (repeatable)
//   │   ├── --set, -s              # instance.input=v[,v...] (repeatable)
//   │   └── --run                  # Run flags, e.g. "async|replace"
//   ├── status                     # Show server status
//   └── --config, -c               # Config file (default configs/default.yaml)
//
// Configuration:
//   YAML config (missing default file falls back to built-in defaults)
//   - render:  memory_budget ("512 MiB"), cores, batch_size, tick_interval,
//              max_outputs_per_tick, throttle, reset_after_batch
//   - metrics: Prometheus HTTP endpoint
//   - server:  gRPC port
//   - output:  PNG output directory
//
// Signal Handling:
//   serve captures SIGINT / SIGTERM, stops the gRPC server, then stops the
//   controller (cancels all jobs and waits for the render thread).
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"io/fs"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/substrender/internal/controller"
	"github.com/ChuLiYu/substrender/internal/graph"
	"github.com/ChuLiYu/substrender/internal/metrics"
	"github.com/ChuLiYu/substrender/internal/native/soft"
	"github.com/ChuLiYu/substrender/internal/render"
	"github.com/ChuLiYu/substrender/internal/scene"
	"github.com/ChuLiYu/substrender/internal/server"
	"github.com/ChuLiYu/substrender/pkg/types"
)

const defaultConfigFile = "configs/default.yaml"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Render struct {
		MemoryBudget      string        `yaml:"memory_budget"`
		Cores             int           `yaml:"cores"`
		BatchSize         int           `yaml:"batch_size"`
		TickInterval      time.Duration `yaml:"tick_interval"`
		MaxOutputsPerTick int           `yaml:"max_outputs_per_tick"`
		Throttle          bool          `yaml:"throttle"`
		ResetAfterBatch   bool          `yaml:"reset_after_batch"`
	} `yaml:"render"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Output struct {
		Dir string `yaml:"dir"`
	} `yaml:"output"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Render.MemoryBudget = "1 GiB"
	cfg.Metrics.Port = 9090
	cfg.Server.Port = 50051
	cfg.Output.Dir = "out"
	return cfg
}

// RenderOptions converts the render section to engine options
func (c *Config) RenderOptions() (types.RenderOptions, error) {
	opts := types.DefaultRenderOptions()
	if c.Render.MemoryBudget != "" {
		budget, err := humanize.ParseBytes(c.Render.MemoryBudget)
		if err != nil {
			return opts, fmt.Errorf("invalid render.memory_budget %q: %w", c.Render.MemoryBudget, err)
		}
		opts.MemoryBudget = budget
	}
	if c.Render.Cores < 0 {
		return opts, fmt.Errorf("invalid render.cores %d", c.Render.Cores)
	}
	if c.Render.Cores > 0 {
		opts.CoresCount = c.Render.Cores
	}
	return opts, nil
}

// ControllerConfig converts the render section to a controller config
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		BatchSize:         c.Render.BatchSize,
		TickInterval:      c.Render.TickInterval,
		MaxOutputsPerTick: c.Render.MaxOutputsPerTick,
		Throttle:          c.Render.Throttle,
		ResetAfterBatch:   c.Render.ResetAfterBatch,
	}
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "substrender",
		Short: "Substrender: a procedural material render scheduler",
		Long: `Substrender renders procedural material graphs with:
- job scheduling with cancel / replace / replay
- state reconciliation across runs
- a gRPC render service
- Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")

	rootCmd.AddCommand(buildRenderCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildPushCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// render
// ============================================================================

func buildRenderCommand() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "render <scene.yaml>",
		Short: "Render a scene and write its outputs as PNG files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if outDir != "" {
				cfg.Output.Dir = outDir
			}
			return renderScene(cfg, args[0], cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (overrides output.dir)")
	return cmd
}

func renderScene(cfg *Config, scenePath string, progress io.Writer) error {
	sc, err := scene.Load(scenePath)
	if err != nil {
		return err
	}
	opts, err := cfg.RenderOptions()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	r := render.NewRenderer(soft.New(), render.WithRenderOptions(opts))
	defer r.Close()

	names := instanceNames(sc)
	var writeErr error
	written := 0
	ctrl := controller.NewController(r, cfg.ControllerConfig(), func(inst *graph.Instance, out *graph.Output, res *graph.Result) {
		path := filepath.Join(cfg.Output.Dir, outputFileName(names[inst], out))
		if err := writePNG(path, res); err != nil {
			if writeErr == nil {
				writeErr = err
			}
			return
		}
		written++
	})
	defer ctrl.Stop()

	log.Printf("Rendering %d instances from %s (%s)\n", len(sc.Instances), scenePath, opts)

	bar := progressbar.NewOptions(len(sc.Instances),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription("rendering"),
		progressbar.OptionShowCount(),
	)
	insts := sc.Graphs()
	batch := ctrl.BatchSize()
	for start := 0; start < len(insts); start += batch {
		end := min(start+batch, len(insts))
		if err := ctrl.RenderSync(insts[start:end]); err != nil {
			return fmt.Errorf("render failed: %w", err)
		}
		if writeErr != nil {
			return writeErr
		}
		_ = bar.Add(end - start)
	}
	_ = bar.Finish()

	log.Printf("Wrote %d outputs to %s\n", written, cfg.Output.Dir)
	return nil
}

func instanceNames(sc *scene.Scene) map[*graph.Instance]string {
	names := make(map[*graph.Instance]string, len(sc.Instances))
	for _, inst := range sc.Instances {
		names[inst.Instance] = inst.Name
	}
	return names
}

func outputFileName(instance string, out *graph.Output) string {
	name := strings.ReplaceAll(instance, "/", "_")
	return fmt.Sprintf("%s_%s.png", name, out.Desc.Identifier)
}

func writePNG(path string, res *graph.Result) error {
	if res.Image == nil {
		return fmt.Errorf("%s: empty result", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(f, res.Image); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve <scene.yaml>",
		Short: "Start the render controller and gRPC RenderService",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cfg, args[0])
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "gRPC port (overrides server.port)")
	return cmd
}

func serve(cfg *Config, scenePath string) error {
	sc, err := scene.Load(scenePath)
	if err != nil {
		return err
	}
	opts, err := cfg.RenderOptions()
	if err != nil {
		return err
	}

	rOpts := []render.Option{render.WithRenderOptions(opts)}
	if cfg.Metrics.Enabled {
		rOpts = append(rOpts, render.WithMetrics(metrics.NewCollector()))
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	r := render.NewRenderer(soft.New(), rOpts...)
	defer r.Close()

	names := instanceNames(sc)
	ctrl := controller.NewController(r, cfg.ControllerConfig(), func(inst *graph.Instance, out *graph.Output, res *graph.Result) {
		if cfg.Output.Dir == "" {
			return
		}
		path := filepath.Join(cfg.Output.Dir, outputFileName(names[inst], out))
		if err := writePNG(path, res); err != nil {
			log.Printf("Failed to write output: %v\n", err)
		}
	})
	if cfg.Output.Dir != "" {
		if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
	}

	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	n := ctrl.RenderAsync(sc.Graphs()...)
	log.Printf("Queued %d instances from %s\n", n, scenePath)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}

	grpcServer := grpc.NewServer()
	server.RegisterRenderServiceServer(grpcServer, server.NewServer(ctrl, sc))
	log.Printf("gRPC Server listening on :%d\n", cfg.Server.Port)

	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Printf("gRPC server failed: %v\n", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("\nReceived shutdown signal, stopping gracefully...")

	grpcServer.GracefulStop()
	ctrl.Stop()

	log.Println("System stopped. Goodbye!")
	return nil
}

// ============================================================================
// push
// ============================================================================

func buildPushCommand() *cobra.Command {
	var (
		addr      string
		instances []string
		sets      []string
		runFlags  string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push instances on a running server and run them",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseSets(sets)
			if err != nil {
				return err
			}
			flags, err := types.ParseRunFlags(runFlags)
			if err != nil {
				return err
			}
			return pushRemote(cmd.Context(), addr, instances, values, flags, wait, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "server address")
	cmd.Flags().StringSliceVarP(&instances, "instance", "i", nil, "instance name (all instances when omitted)")
	cmd.Flags().StringArrayVarP(&sets, "set", "s", nil, "input value: instance.input=v[,v...]")
	cmd.Flags().StringVar(&runFlags, "run", "async|replace", "run flags")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the job is processed")
	return cmd
}

// parseSets parses "instance.input=v[,v...]" assignments.
// The last dot separates the instance name from the input identifier.
func parseSets(sets []string) (map[string]map[string][]float32, error) {
	values := map[string]map[string][]float32{}
	for _, s := range sets {
		lhs, rhs, ok := strings.Cut(s, "=")
		dot := strings.LastIndex(lhs, ".")
		if !ok || dot <= 0 || dot == len(lhs)-1 {
			return nil, fmt.Errorf("invalid --set %q, want instance.input=v[,v...]", s)
		}
		inst, input := lhs[:dot], lhs[dot+1:]

		var comps []float32
		for _, f := range strings.Split(rhs, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
			if err != nil {
				return nil, fmt.Errorf("invalid --set %q: %w", s, err)
			}
			comps = append(comps, float32(v))
		}
		if values[inst] == nil {
			values[inst] = map[string][]float32{}
		}
		values[inst][input] = comps
	}
	return values, nil
}

func pushRemote(ctx context.Context, addr string, names []string, values map[string]map[string][]float32, flags types.RunFlags, wait bool, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	pushed, err := client.Push(ctx, names, values)
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	if !pushed {
		fmt.Fprintln(w, "Nothing to render")
		return nil
	}

	uid, err := client.Run(ctx, flags)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	fmt.Fprintf(w, "Job %d scheduled (%s)\n", uid, flags)

	if wait && uid != 0 {
		if err := client.Flush(ctx); err != nil {
			return fmt.Errorf("flush failed: %w", err)
		}
		fmt.Fprintf(w, "Job %d processed\n", uid)
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show render server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			client, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			printStatus(cmd.OutOrStdout(), addr, st)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:50051", "server address")
	return cmd
}

func printStatus(w io.Writer, addr string, st map[string]any) {
	rs, _ := st["renderer"].(map[string]any)
	cs, _ := st["controller"].(map[string]any)

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Substrender Status                              ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🖥  Server:")
	fmt.Fprintf(w, "  └─ Address:         %s\n", addr)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🎨 Renderer:")
	for _, k := range sortedKeys(rs) {
		fmt.Fprintf(w, "  ├─ %-15s %v\n", k+":", rs[k])
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Controller:")
	for _, k := range sortedKeys(cs) {
		fmt.Fprintf(w, "  ├─ %-15s %v\n", k+":", cs[k])
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// config
// ============================================================================

// loadConfig reads the YAML config; a missing default config file yields defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if path == defaultConfigFile && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if _, err := cfg.RenderOptions(); err != nil {
		return nil, err
	}
	return cfg, nil
}
