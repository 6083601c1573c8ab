// Command studyrun drives interference-check study builds and run-cache
// maintenance from the command line.
//
// Modes:
//
//	build          run one study build for the given target record
//	cache-cleanup  reconcile the run-cache index against the filesystem
//	cache-delete   expire cache entries older than -days, then reconcile
//
// The station-data store is selected with -store (memory|sqlite|postgres);
// sqlite takes -dsn as a file path, postgres as a connection string. Engine
// credentials come from IXSTUDY_ENGINE_PASSWORD.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"ixstudy/internal/blob"
	"ixstudy/internal/build"
	"ixstudy/internal/engine"
	"ixstudy/internal/gate"
	"ixstudy/internal/infra/persistence/memory"
	"ixstudy/internal/infra/persistence/postgres"
	"ixstudy/internal/infra/persistence/sqlite"
	"ixstudy/internal/logging"
	"ixstudy/internal/observability"
	"ixstudy/internal/runcache"
	"ixstudy/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	var (
		mode       = flag.String("mode", "build", "build | run | cache-cleanup | cache-delete")
		storeKind  = flag.String("store", "sqlite", "memory | sqlite | postgres")
		dsn        = flag.String("dsn", "", "store DSN (sqlite path or postgres URL)")
		databaseID = flag.String("db", "default", "station database identifier")
		outRoot    = flag.String("out", "./studyout", "cache output root")
		target     = flag.String("target", "", "target record key (build mode)")
		beforeKey  = flag.String("before", "", "explicit before record key")
		replCh     = flag.Int("repl", 0, "replication channel, 0 for none")
		template   = flag.Int("template", 1, "study template id")
		dataVer    = flag.Int("dataversion", 1, "station-data version id")
		formats    = flag.String("formats", "map,csv", "comma-separated output format codes")
		cellSize   = flag.String("cellsize", "1.0", "study cell size, km")
		resolution = flag.String("resolution", "1.0", "profile resolution, points/km")
		baseline   = flag.Bool("baseline", false, "protect pre-baseline records")
		lptv       = flag.Bool("lptv", false, "protect LPTV stations")
		foreign    = flag.Bool("foreign", false, "include foreign records")
		days       = flag.Int("days", 30, "age threshold for cache-delete")
		maxProcs   = flag.Int("maxprocs", runtime.NumCPU(), "engine process ceiling")
		engineBin  = flag.String("engine", "ixengine", "engine binary path")
		engineHost = flag.String("host", "localhost", "engine database host")
		engineUser = flag.String("user", "study", "engine database user")
	)
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(*storeKind, *dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store:", err)
		exitFunc(1)
		return
	}
	defer func() { _ = store.Close() }()

	archive, err := blob.Open(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "archive store:", err)
		exitFunc(1)
		return
	}

	metrics, err := observability.NewCollector(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "metrics:", err)
		exitFunc(1)
		return
	}
	cache := runcache.NewManager(*outRoot, *databaseID, store, archive, log, metrics)

	switch *mode {
	// "run" is "build" with cache reuse disabled: the engine always runs.
	case "build", "run":
		cfg := domain.StudyConfiguration{
			DatabaseID:         *databaseID,
			TargetKey:          domain.RecordKey(*target),
			BeforeKey:          domain.RecordKey(*beforeKey),
			ReplicationChannel: *replCh,
			TemplateID:         *template,
			DataVersionID:      *dataVer,
			OutputFormats:      parseFormats(*formats),
			CellSizeKM:         *cellSize,
			ProfileResolution:  *resolution,
			ProtectPreBaseline: *baseline,
			ProtectLPTV:        *lptv,
			IncludeForeign:     *foreign,
		}
		orch := build.New(build.Options{
			Store: store,
			Cache: cache,
			Gate:  gate.New(*maxProcs, 0),
			Engine: engine.Config{
				Binary:       *engineBin,
				WorkDir:      ".",
				Host:         *engineHost,
				DBName:       *databaseID,
				User:         *engineUser,
				Password:     os.Getenv("IXSTUDY_ENGINE_PASSWORD"),
				MaxProcesses: *maxProcs,
			},
			SkipCache: *mode == "run",
			Log:       log,
			Metrics:   metrics,
		})
		abort := &domain.AbortFlag{}
		go func() {
			<-ctx.Done()
			abort.Abort()
		}()
		res, err := orch.Run(ctx, cfg, abort, consoleStatus{})
		if err != nil {
			fmt.Fprintln(os.Stderr, "build failed:", err)
			exitFunc(1)
			return
		}
		if res.Reused {
			fmt.Println("cache hit:", res.OutputDir)
		} else {
			fmt.Printf("built %s: %d scenarios, %d runs, output %s\n",
				res.Study, res.Scenarios, res.RunCount, res.OutputDir)
		}
	case "cache-cleanup":
		collector := &domain.ErrorCollector{}
		rows, dirs, err := cache.Cleanup(ctx, collector)
		reportMaintenance(rows, dirs, collector, err)
	case "cache-delete":
		collector := &domain.ErrorCollector{}
		rows, dirs, err := cache.Delete(ctx, *days, collector)
		reportMaintenance(rows, dirs, collector, err)
	default:
		fmt.Fprintln(os.Stderr, "unknown mode:", *mode)
		exitFunc(2)
	}
}

func openStore(kind, dsn string) (domain.PersistentStore, error) {
	switch kind {
	case "memory":
		return memory.NewStore(), nil
	case "sqlite":
		if dsn == "" {
			dsn = "ixstudy.db"
		}
		return sqlite.NewStore(dsn)
	case "postgres":
		return postgres.NewStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

func parseFormats(s string) []domain.OutputFormat {
	var out []domain.OutputFormat
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, domain.OutputFormat(part))
		}
	}
	return out
}

func reportMaintenance(rows, dirs int, collector *domain.ErrorCollector, err error) {
	for _, msg := range collector.Messages() {
		fmt.Println("repaired:", msg)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "maintenance failed:", err)
		exitFunc(1)
		return
	}
	fmt.Printf("removed %d index rows, %d directories\n", rows, dirs)
}

// consoleStatus prints progress to stdout and raw engine lines to stderr.
type consoleStatus struct{}

func (consoleStatus) Progress(msg string) { fmt.Println(msg) }
func (consoleStatus) LogLine(line string) { fmt.Fprintln(os.Stderr, line) }
