// Command vts-collisions runs the transit collision pipeline: detecting
// proximity between VTS situations and bus routes, keeping the collision
// ledger, publishing confirmed events over MQTT, and serving the stored data.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/rtm-vts/vts-collisions/internal/api"
	"github.com/rtm-vts/vts-collisions/internal/config"
	"github.com/rtm-vts/vts-collisions/internal/db"
	"github.com/rtm-vts/vts-collisions/internal/detect"
	"github.com/rtm-vts/vts-collisions/internal/geo"
	"github.com/rtm-vts/vts-collisions/internal/ingest"
	"github.com/rtm-vts/vts-collisions/internal/orchestrate"
	"github.com/rtm-vts/vts-collisions/internal/publish"
	"github.com/rtm-vts/vts-collisions/internal/version"
)

var (
	configPath     = flag.String("config", "", "Path to JSON config file (optional)")
	dbPath         = flag.String("db", "", "Database path (overrides config)")
	tolerance      = flag.Float64("tolerance", 0, "Detection tolerance in meters (overrides config)")
	mode           = flag.String("mode", "", "Reconcile mode: append or rebuild (overrides config)")
	situationsFile = flag.String("situations", "", "GeoJSON file to import situations from before a run")
	routesFile     = flag.String("routes", "", "GeoJSON file to import routes from before a run")
	clearExisting  = flag.Bool("clear-existing", false, "Delete existing routes before import-routes")
	listen         = flag.String("listen", "", "Listen address for serve (overrides config)")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: vts-collisions [flags] <command>

Commands:
  run                        Full pass: import (if files given), detect, reconcile, publish
  detect                     Detection and reconciliation only
  publish                    Publish pass only
  serve                      Serve the query API
  import-situations <file>   Import situations from a GeoJSON FeatureCollection
  import-routes <file>       Import routes from a GeoJSON FeatureCollection
  purge                      Delete all situations, collisions, and metadata
  migrate <action>           Manage the database schema
  version                    Print build identification

Exit status for run: 0 success, 1 detection stage failed, 2 publish stage degraded.

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	// Broker credentials come from the environment; a local .env is a
	// convenience for development, absence is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: failed to load .env: %v", err)
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	if args[0] == "version" {
		fmt.Println("vts-collisions", version.String())
		return
	}

	cfg := loadConfig()
	ctx := context.Background()

	if args[0] == "migrate" {
		db.RunMigrateCommand(args[1:], databasePath(cfg))
		return
	}

	database, err := db.NewDB(databasePath(cfg))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	switch args[0] {
	case "run":
		os.Exit(runPipeline(ctx, cfg, database).ExitCode())

	case "detect":
		runDetect(ctx, cfg, database)

	case "publish":
		runPublish(ctx, cfg, database)

	case "serve":
		runServe(cfg, database)

	case "import-situations":
		if len(args) < 2 {
			log.Fatal("Usage: vts-collisions import-situations <file>")
		}
		im := &ingest.Importer{DB: database}
		created, skipped, err := im.ImportSituations(ctx, args[1])
		if err != nil {
			log.Fatalf("Import failed: %v", err)
		}
		fmt.Printf("Import finished. Created/updated: %d, Skipped: %d\n", created, skipped)

	case "import-routes":
		if len(args) < 2 {
			log.Fatal("Usage: vts-collisions import-routes <file>")
		}
		im := &ingest.Importer{DB: database}
		created, skipped, err := im.ImportRoutes(ctx, args[1], *clearExisting)
		if err != nil {
			log.Fatalf("Import failed: %v", err)
		}
		fmt.Printf("Import finished. Created: %d, Skipped: %d\n", created, skipped)

	case "purge":
		runPurge(ctx, database)

	default:
		usage()
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	if *configPath == "" {
		return &config.Config{}
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func databasePath(cfg *config.Config) string {
	if *dbPath != "" {
		return *dbPath
	}
	return cfg.GetDBPath()
}

func effectiveTolerance(cfg *config.Config) float64 {
	if *tolerance > 0 {
		return *tolerance
	}
	return cfg.GetToleranceMeters()
}

func effectiveMode(cfg *config.Config) db.ReconcileMode {
	if *mode != "" {
		return db.ReconcileMode(*mode)
	}
	return db.ReconcileMode(cfg.GetReconcileMode())
}

func newDetector(cfg *config.Config, database *db.DB) *detect.Detector {
	projector, err := geo.NewUTMProjector(cfg.GetUTMZone())
	if err != nil {
		log.Fatalf("Invalid projection configuration: %v", err)
	}
	area := cfg.GetArea()
	return detect.New(database, projector, geo.BBox{
		MinLon: area[0], MinLat: area[1], MaxLon: area[2], MaxLat: area[3],
	})
}

func newPipeline(cfg *config.Config, database *db.DB) *publish.Pipeline {
	username, password := cfg.BrokerCredentials()
	transport, err := publish.NewMQTTTransport(
		cfg.GetBrokerHost(), cfg.GetBrokerPort(),
		username, password, cfg.GetPublishTimeout(),
	)
	if err != nil {
		log.Fatalf("Transport configuration error: %v", err)
	}
	return publish.NewPipeline(database, transport, cfg.GetBaseTopic())
}

func runPipeline(ctx context.Context, cfg *config.Config, database *db.DB) orchestrate.Outcome {
	var fetcher orchestrate.Fetcher
	if *situationsFile != "" || *routesFile != "" {
		fetcher = &ingest.Importer{
			DB:             database,
			SituationsFile: *situationsFile,
			RoutesFile:     *routesFile,
		}
	}

	runner := &orchestrate.Runner{
		Fetcher:   fetcher,
		Detector:  newDetector(cfg, database),
		Ledger:    database,
		Pipeline:  newPipeline(cfg, database),
		Tolerance: effectiveTolerance(cfg),
		Mode:      effectiveMode(cfg),
		Output:    os.Stdout,
	}

	outcome, err := runner.Run(ctx)
	if err != nil {
		log.Printf("Run finished with status %s: %v", outcome, err)
	}
	return outcome
}

func runDetect(ctx context.Context, cfg *config.Config, database *db.DB) {
	detector := newDetector(cfg, database)
	tol := effectiveTolerance(cfg)

	candidates, stats, err := detector.Detect(ctx, tol)
	if err != nil {
		log.Fatalf("Detection failed: %v", err)
	}
	fmt.Printf("Detected %d candidate pairs (%d situations, %d routes, %d skipped geometries)\n",
		len(candidates), stats.Situations, stats.Routes, stats.SkippedGeometries)

	created, skipped, err := database.ReconcileCollisions(ctx, candidates, tol, effectiveMode(cfg))
	if err != nil {
		log.Fatalf("Reconciliation failed: %v", err)
	}
	fmt.Printf("Reconciled: %d created, %d skipped\n", created, skipped)
}

func runPublish(ctx context.Context, cfg *config.Config, database *db.DB) {
	report, err := newPipeline(cfg, database).Run(ctx)
	fmt.Printf("Publish pass: %s\n", report)
	if err != nil {
		log.Fatalf("Publish pass degraded: %v", err)
	}
}

func runServe(cfg *config.Config, database *db.DB) {
	addr := cfg.GetListen()
	if *listen != "" {
		addr = *listen
	}
	server := api.NewServer(database)
	log.Printf("Serving query API on %s", addr)
	if err := http.ListenAndServe(addr, server.Routes()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func runPurge(ctx context.Context, database *db.DB) {
	situations, err := database.DeleteAllSituations(ctx)
	if err != nil {
		log.Fatalf("Failed to delete situations: %v", err)
	}
	collisions, err := database.DeleteAllCollisions(ctx)
	if err != nil {
		log.Fatalf("Failed to delete collisions: %v", err)
	}
	metadata, err := database.DeleteAllMetadata(ctx)
	if err != nil {
		log.Fatalf("Failed to delete metadata: %v", err)
	}
	fmt.Printf("Purged %d situations, %d collisions, %d metadata rows\n",
		situations, collisions, metadata)
}
