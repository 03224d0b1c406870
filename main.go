package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/traffic.report/internal/api"
	"github.com/banshee-data/traffic.report/internal/calibration"
	"github.com/banshee-data/traffic.report/internal/config"
	"github.com/banshee-data/traffic.report/internal/forwarder"
	"github.com/banshee-data/traffic.report/internal/highway"
	"github.com/banshee-data/traffic.report/internal/ingest"
	"github.com/banshee-data/traffic.report/internal/security"
	"github.com/banshee-data/traffic.report/internal/storage/sqlite"
	"github.com/banshee-data/traffic.report/internal/timeutil"
	"github.com/banshee-data/traffic.report/internal/version"
)

var (
	listen         = flag.String("listen", ":8080", "HTTP listen address")
	dbFile         = flag.String("db", "traffic_data.db", "SQLite database file")
	migrationsDir  = flag.String("migrations", "migrations", "Database migrations directory")
	configFile     = flag.String("config", "", "Tuning config JSON file (optional)")
	segmentsFlag   = flag.String("segments", "seg-1", "Comma-separated segment ids to serve")
	calibrationDir = flag.String("calibration-dir", "calibration", "Directory holding <segment>.yaml calibration models")
	redisAddr      = flag.String("redis", "localhost:6379", "Redis address for the frame feed")
	redisChannel   = flag.String("redis-channel", "traffic:frames", "Redis pub/sub channel carrying frames")
	forwardURL     = flag.String("forward-url", "", "Downstream collector URL for events (optional)")
	debugLog       = flag.Bool("debug", false, "Enable diagnostic logging")
)

func main() {
	flag.Parse()
	log.Printf("traffic.report %s starting", version.String())

	if *debugLog {
		highway.SetLogWriters(os.Stderr, os.Stderr, nil)
	} else {
		highway.SetLogWriters(os.Stderr, nil, nil)
	}

	tuning := config.EmptyTuningConfig()
	if *configFile != "" {
		loaded, err := config.LoadTuningConfig(*configFile)
		if err != nil {
			log.Fatalf("load tuning config: %v", err)
		}
		tuning = loaded
	}

	db, err := sqlite.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := db.MigrateUp(*migrationsDir); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	eventStore := sqlite.NewEventStore(db)
	trackArchive := sqlite.NewTrackArchive(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	clock := timeutil.RealClock{}

	hub := api.NewHub()
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	var fwd *forwarder.Forwarder
	if *forwardURL != "" {
		fwd = forwarder.New(*forwardURL, tuning, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fwd.Run(ctx)
		}()
	}

	// Every confirmed or ended transition is persisted, pushed to websocket
	// subscribers, and (when configured) forwarded downstream.
	sink := highway.EventSinkFunc(func(ev highway.Event) {
		if err := eventStore.Upsert(ev); err != nil {
			log.Printf("persist event %s: %v", ev.EventID, err)
		}
		hub.BroadcastEvent(ev)
		if fwd != nil {
			fwd.Emit(ev)
		}
	})

	pipelines := make(map[string]*highway.Pipeline)
	for _, seg := range splitSegments(*segmentsFlag) {
		model, err := loadSegmentModel(*calibrationDir, seg)
		if err != nil {
			log.Printf("segment %s: no calibration model (%v); intake paused until one is posted", seg, err)
		}
		// One baseline per segment; lane statistics never pool across segments.
		baseline := highway.NewTrafficBaseline(highway.BaselineConfigFromTuning(tuning))
		wg.Add(1)
		go func() {
			defer wg.Done()
			baseline.Run(ctx, clock)
		}()
		p := highway.NewPipeline(seg, tuning, model, baseline, sink, clock)
		p.SetTrackClosedFunc(func(tr *highway.Track) {
			if err := trackArchive.Insert(sqlite.RecordFromTrack(tr)); err != nil {
				log.Printf("archive track %s: %v", tr.TargetID, err)
			}
		})
		pipelines[seg] = p
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}
	if len(pipelines) == 0 {
		log.Fatal("no segments configured")
	}

	consumer := ingest.NewConsumer(ingest.Config{
		Addr:    *redisAddr,
		Channel: *redisChannel,
	}, func(segmentID string) ingest.Submitter {
		p, ok := pipelines[segmentID]
		if !ok {
			return nil
		}
		return p
	})
	defer consumer.Close()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil {
			log.Printf("ingest stopped: %v", err)
		}
	}()

	server := api.NewServer(pipelines, eventStore, trackArchive, hub, tuning)
	httpServer := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(server.ServeMux()),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("HTTP API listening on %s", *listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Print("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	wg.Wait()
	log.Print("shutdown complete")
}

func splitSegments(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if seg := strings.TrimSpace(part); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func loadSegmentModel(dir, segmentID string) (*calibration.Model, error) {
	path := filepath.Join(dir, segmentID+".yaml")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	// Segment ids come from flags; keep a crafted id from escaping the
	// calibration directory.
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return nil, fmt.Errorf("calibration model path: %w", err)
	}
	return calibration.LoadModel(path)
}
