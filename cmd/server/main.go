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
	"syscall"
	"time"

	"fabplan.dev/internal/catalog"
	"fabplan.dev/internal/derive"
	"fabplan.dev/internal/persistence/archive"
	"fabplan.dev/internal/persistence/store"
	"fabplan.dev/internal/planner"
	"fabplan.dev/internal/transport/ws"
	"fabplan.dev/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dbPath     = flag.String("db", "", "sqlite database path (default: <data>/fabplan.db)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalog.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	dp := strings.TrimSpace(*dbPath)
	if dp == "" {
		dp = filepath.Join(*dataDir, "fabplan.db")
	}
	st, err := store.OpenSQLite(dp)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	if err := st.UpsertCatalogs(*configDir, cats, tune); err != nil {
		logger.Printf("upsert catalogs: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc := planner.New(cats, tune, derive.New(cats, tune.RawSupplyRate), st, logger)
	go func() {
		if err := svc.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("planner stopped: %v", err)
		}
	}()

	// Periodic archive of every persisted session.
	if tune.ArchiveEverySec > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(tune.ArchiveEverySec) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := writeArchive(*dataDir, cats, st); err != nil {
						logger.Printf("archive write: %v", err)
					}
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := svc.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP fabplan_sessions Resident planning sessions.\n")
		fmt.Fprintf(rw, "# TYPE fabplan_sessions gauge\n")
		fmt.Fprintf(rw, "fabplan_sessions %d\n", m.Sessions)

		fmt.Fprintf(rw, "# HELP fabplan_subscribers Connected subscribers across sessions.\n")
		fmt.Fprintf(rw, "# TYPE fabplan_subscribers gauge\n")
		fmt.Fprintf(rw, "fabplan_subscribers %d\n", m.Subscribers)

		fmt.Fprintf(rw, "# HELP fabplan_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE fabplan_queue_depth gauge\n")
		fmt.Fprintf(rw, "fabplan_queue_depth{queue=%q} %d\n", "cmds", m.QueueDepths.Cmds)
		fmt.Fprintf(rw, "fabplan_queue_depth{queue=%q} %d\n", "attach", m.QueueDepths.Attach)
		fmt.Fprintf(rw, "fabplan_queue_depth{queue=%q} %d\n", "derives", m.QueueDepths.Derives)
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(svc, tune.WS, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Final archive on shutdown so a restart has a current export.
	if err := writeArchive(*dataDir, cats, st); err != nil {
		logger.Printf("archive write: %v", err)
	}
}

func writeArchive(dataDir string, cats *catalog.Catalogs, st *store.SQLiteStore) error {
	recs, err := st.ListSessions()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	a := archive.ArchiveV1{
		Header: archive.Header{
			Version:    1,
			RecordedAt: now.Format(time.RFC3339),
			Sessions:   len(recs),
		},
		CatalogDigests: map[string]string{
			"items":    cats.Items.Digest,
			"recipes":  cats.Recipes.Digest,
			"machines": cats.Machines.Digest,
			"sites":    cats.Sites.Digest,
		},
	}
	for _, rec := range recs {
		a.Sessions = append(a.Sessions, archive.SessionFromRecord(rec.SessionID, rec.ResumeToken, rec.State, rec.UpdatedAt))
	}
	path := filepath.Join(dataDir, "archives", now.Format("20060102T150405")+".plan.zst")
	return archive.Write(path, a)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
