// Command printvault runs the whole pipeline in one process: the REST API,
// the worker fleet, the Telegram sync service, the folder watcher and the
// periodic cleanup sweep. SIGINT/SIGTERM trigger a graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/printvault/printvault/internal/aitag"
	"github.com/printvault/printvault/internal/api"
	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/cleanup"
	"github.com/printvault/printvault/internal/download"
	"github.com/printvault/printvault/internal/duplicate"
	"github.com/printvault/printvault/internal/events"
	"github.com/printvault/printvault/internal/extract"
	"github.com/printvault/printvault/internal/health"
	"github.com/printvault/printvault/internal/ingest"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/library"
	"github.com/printvault/printvault/internal/preview"
	"github.com/printvault/printvault/internal/profile"
	"github.com/printvault/printvault/internal/ratelimit"
	"github.com/printvault/printvault/internal/scan"
	"github.com/printvault/printvault/internal/scan/gdrive"
	"github.com/printvault/printvault/internal/scan/phpbb"
	"github.com/printvault/printvault/internal/secrets"
	"github.com/printvault/printvault/internal/settings"
	"github.com/printvault/printvault/internal/storage"
	"github.com/printvault/printvault/internal/telegram"
	"github.com/printvault/printvault/internal/worker"
)

func main() {
	_ = godotenv.Load()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	ctx = log.With(ctx, log.KV{K: "app", V: "printvault"})

	if err := run(ctx); err != nil {
		log.Errorf(ctx, err, "startup failed")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	dataDir := envOr("PRINTVAULT_DATA_DIR", "data")
	paths := storage.Paths{
		DataDir:    dataDir,
		LibraryDir: envOr("PRINTVAULT_LIBRARY_DIR", filepath.Join(dataDir, "library")),
	}
	for _, dir := range []string{paths.Staging(), paths.Previews(), paths.LibraryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	store, err := catalog.Open(filepath.Join(dataDir, "app.db"))
	if err != nil {
		return err
	}
	if err := profile.Seed(ctx, store); err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.Close()
	queue := jobs.New(store, bus)
	settingsSvc := settings.NewService(store, nil)

	var box *secrets.Box
	if key := os.Getenv("PRINTVAULT_ENCRYPTION_KEY"); key != "" {
		box, err = secrets.NewBox(key)
		if err != nil {
			return err
		}
	} else {
		log.Printf(ctx, "PRINTVAULT_ENCRYPTION_KEY not set; drive and forum sources disabled")
	}

	tgLimiter := ratelimit.New(30, 2*time.Second)
	googleLimiter := ratelimit.New(100, 0)
	aiLimiter := ratelimit.New(10, 0)

	// The MTProto binding is an out-of-tree collaborator; without one the
	// sync service idles and the auth endpoints report the client as absent.
	client := telegram.Disabled()
	auth := telegram.NewAuth(client)
	ingestSvc := ingest.NewService(store, queue, bus)
	syncSvc := telegram.NewSyncService(client, store, queue, ingestSvc, tgLimiter, settingsSvc)

	engine := duplicate.NewEngine(store, paths)
	previewSvc := preview.NewService(store, paths)

	scanners := []scan.Scanner{scan.NewLocalScanner()}
	var drive download.FolderFetcher
	var forum download.TopicFetcher
	if box != nil {
		gs := gdrive.NewScanner(store, box, googleLimiter, settingsSvc)
		ps := phpbb.NewScanner(store, box)
		scanners = append(scanners, gs, ps)
		drive, forum = gs, ps
	}

	downloadCount, err := settingsSvc.Int(ctx, settings.KeyMaxConcurrentDownloads)
	if err != nil || downloadCount < 1 {
		downloadCount = 1
	}
	specs := []worker.Spec{
		{Worker: download.NewDesignWorker(store, queue, client, tgLimiter, paths), Count: downloadCount},
		{Worker: download.NewRecordWorker(store, queue, engine, drive, forum, paths)},
		{Worker: extract.NewWorker(store, queue, paths, settingsSvc)},
		{Worker: library.NewWorker(store, queue, engine, paths, settingsSvc)},
		{Worker: preview.NewRenderWorker(store, previewSvc, paths)},
		{Worker: preview.NewImagesWorker(store, previewSvc, client, tgLimiter)},
		{Worker: scan.NewSyncWorker(store, queue, scanners...)},
	}
	aiCfg := aitag.Config{
		APIKey: os.Getenv("PRINTVAULT_GEMINI_API_KEY"),
		Model:  os.Getenv("PRINTVAULT_GEMINI_MODEL"),
	}
	if aiCfg.Enabled() {
		specs = append(specs, worker.Spec{Worker: aitag.NewWorker(store, aiLimiter, settingsSvc, aiCfg)})
	}
	manager := worker.NewManager(queue, store, specs, worker.DefaultManagerConfig())

	checker := health.NewChecker(store, queue, manager, map[string]*ratelimit.Limiter{
		"telegram": tgLimiter,
		"google":   googleLimiter,
		"ai":       aiLimiter,
	}, paths)
	cleaner := cleanup.NewService(store, queue, paths)
	server := api.NewServer(store, queue, auth, client, checker, settingsSvc, engine)

	httpServer := &http.Server{
		Addr:              envOr("PRINTVAULT_LISTEN_ADDR", ":8080"),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return err
	}
	stopCleanup, err := cleaner.Start(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf(gctx, "listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if enabled, err := settingsSvc.Bool(ctx, settings.KeySyncEnabled); err == nil && enabled {
		g.Go(func() error {
			if err := syncSvc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				// A missing or failing chat client degrades the service, it
				// does not bring it down.
				log.Errorf(gctx, err, "telegram sync stopped")
			}
			return nil
		})
	}
	g.Go(func() error {
		watcher := scan.NewWatcher(store, queue)
		if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf(gctx, err, "folder watcher stopped")
		}
		return nil
	})

	err = g.Wait()
	stopCleanup()
	manager.Stop(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf(ctx, "shutdown complete")
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
