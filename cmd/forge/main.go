package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"forgecore/internal/artifactcache"
	"forgecore/internal/cachemgr"
	"forgecore/internal/compiler"
	"forgecore/internal/config"
	"forgecore/internal/invalidator"
	"forgecore/internal/report"
	"forgecore/internal/reportserver"
	"forgecore/internal/runtracker"
	"forgecore/internal/target"
	"forgecore/internal/workerpool"
	"forgecore/internal/workunit"
)

const (
	exitSuccess       = 0
	exitGraphFailure  = 1
	exitInvalidUsage  = 2
	exitConfigError   = 3
	exitInternalError = 4
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: forge <build|serve> [flags]")
		os.Exit(exitInvalidUsage)
	}

	var code int
	switch os.Args[1] {
	case "build":
		code = runBuild(os.Args[2:])
	case "serve":
		code = runServe(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (expected build|serve)\n", os.Args[1])
		code = exitInvalidUsage
	}
	os.Exit(code)
}

func flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func runBuild(args []string) int {
	fs := flagSet("forge build")
	configPath := fs.String("config", "", "Path to the forge.yaml config file.")
	graphPath := fs.String("graph", "", "Path to the target graph YAML file.")
	targetList := fs.String("targets", "", "Comma-separated target ids to build. Empty means every target in the graph.")
	if err := fs.Parse(args); err != nil {
		return exitInvalidUsage
	}
	if *configPath == "" || *graphPath == "" {
		fmt.Fprintln(os.Stderr, "--config and --graph are required")
		return exitInvalidUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	graph, err := target.LoadGraph(*graphPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGraphFailure
	}

	targets := graph.IDs()
	if strings.TrimSpace(*targetList) != "" {
		targets = strings.Split(*targetList, ",")
		for i := range targets {
			targets[i] = strings.TrimSpace(targets[i])
		}
	}

	reporters := []report.Reporter{
		&report.ConsoleReporter{},
		&report.FileReporter{Path: filepath.Join(cfg.InfoDir, "build.log")},
	}
	rt, err := runtracker.New(cfg.InfoDir, strings.Join(os.Args, " "), reporters, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInternalError
	}

	buildErr := doBuild(context.Background(), cfg, graph, targets, rt)
	outcome := workunit.Success
	if buildErr != nil {
		outcome = workunit.Failure
	}
	if err := rt.Close(outcome); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	if buildErr != nil {
		fmt.Fprintln(os.Stderr, buildErr)
		return exitGraphFailure
	}
	return exitSuccess
}

func doBuild(ctx context.Context, cfg *config.Config, graph *target.Graph, targets []string, rt *runtracker.RunTracker) error {
	inv := invalidator.New(cfg.BuildInvalidatorDir)
	mgr := cachemgr.New(graph, inv, cfg.InvalidateDependents, cfg.ExtraData)

	check, err := mgr.Check(targets, cfg.PartitionSizeHint)
	if err != nil {
		return fmt.Errorf("forge: checking invalidation state: %w", err)
	}

	localCache, err := artifactcache.NewFileCache(filepath.Join(cfg.BuildInvalidatorDir, "artifacts"), 64)
	if err != nil {
		return fmt.Errorf("forge: opening artifact cache: %w", err)
	}

	pool := workerpool.New(cfg.NumWorkers, nil, slog.Default())
	defer pool.Shutdown()

	driver := compiler.NewShellDriver("zinc", cfg.Root)
	ctx = rt.RootContext(ctx)
	classesRoot := filepath.Join(cfg.Root, "classes")

	for _, vts := range check.InvalidVTSPartitioned {
		if err := buildOne(ctx, rt, pool, driver, localCache, mgr, classesRoot, vts); err != nil {
			return err
		}
	}
	return nil
}

func vtsLabel(vts *cachemgr.VersionedTargetSet) string {
	ids := make([]string, len(vts.VTs))
	for i, vt := range vts.VTs {
		ids[i] = vt.Target
	}
	return strings.Join(ids, "+")
}

func buildOne(ctx context.Context, rt *runtracker.RunTracker, pool *workerpool.Pool, driver compiler.Driver, cache *artifactcache.FileCache, mgr *cachemgr.CacheManager, classesRoot string, vts *cachemgr.VersionedTargetSet) error {
	return rt.NewWorkScope(ctx, vtsLabel(vts), "compile", "zinc compile", func(ctx context.Context, u *workunit.Unit) error {
		classesDir := filepath.Join(classesRoot, vtsLabel(vts))

		if ok, err := cache.Has(vts.CombinedKey); err == nil && ok {
			if _, hit, err := cache.UseCachedFiles(vts.CombinedKey, classesDir); err != nil {
				return err
			} else if hit {
				return mgr.Update(vts)
			}
		}

		var sources []string
		for _, vt := range vts.VTs {
			sources = append(sources, vt.Target)
		}
		if err := os.MkdirAll(classesDir, 0o755); err != nil {
			return err
		}
		analysisFile := filepath.Join(classesDir, "analysis.db")

		_, err := pool.SubmitSync(ctx, workerpool.Work{
			Fn: func(args ...any) (any, error) {
				code, err := driver.Compile(ctx, nil, sources, classesDir, analysisFile, compiler.CompileOpts{})
				if err != nil {
					return nil, err
				}
				if code != 0 {
					return nil, fmt.Errorf("forge: compile of %s exited %d", vtsLabel(vts), code)
				}
				return nil, nil
			},
			ArgsList: [][]any{{}},
		})
		if err != nil {
			return err
		}

		produced, err := listFiles(classesDir)
		if err != nil {
			return err
		}
		if err := cache.Insert(vts.CombinedKey, produced); err != nil {
			rt.Report.Message(u, "warning: caching build output for ", vtsLabel(vts), " failed: ", err.Error())
		}
		return mgr.Update(vts)
	})
}

func listFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

func runServe(args []string) int {
	fs := flagSet("forge serve")
	configPath := fs.String("config", "", "Path to the forge.yaml config file.")
	addr := fs.String("addr", ":8080", "Address to listen on.")
	if err := fs.Parse(args); err != nil {
		return exitInvalidUsage
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "--config is required")
		return exitInvalidUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	srv := reportserver.New(cfg.InfoDir, cfg.Root, cfg.AssetsDir, cfg, nil)
	httpSrv := &http.Server{Addr: *addr, Handler: srv.Handler()}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInternalError
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
pollLoop:
	for {
		select {
		case <-ticker.C:
			if sigCtx.Err() != nil {
				break pollLoop
			}
		case err := <-serveErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintln(os.Stderr, err)
				return exitInternalError
			}
			return exitSuccess
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInternalError
	}
	return exitSuccess
}
