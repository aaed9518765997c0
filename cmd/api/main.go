package main

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
	"github.com/tinyopds/tinyopds/pkg/aliases"
	"github.com/tinyopds/tinyopds/pkg/authors"
	"github.com/tinyopds/tinyopds/pkg/books"
	"github.com/tinyopds/tinyopds/pkg/config"
	"github.com/tinyopds/tinyopds/pkg/covers"
	"github.com/tinyopds/tinyopds/pkg/database"
	"github.com/tinyopds/tinyopds/pkg/downloads"
	"github.com/tinyopds/tinyopds/pkg/genres"
	"github.com/tinyopds/tinyopds/pkg/httpauth"
	"github.com/tinyopds/tinyopds/pkg/migrations"
	"github.com/tinyopds/tinyopds/pkg/opds"
	"github.com/tinyopds/tinyopds/pkg/scanner"
	"github.com/tinyopds/tinyopds/pkg/sequences"
	"github.com/tinyopds/tinyopds/pkg/server"
	"github.com/tinyopds/tinyopds/pkg/stats"
	"github.com/tinyopds/tinyopds/pkg/version"
	"github.com/tinyopds/tinyopds/pkg/watcher"
)

// coverCacheMaxBytes bounds the on-disk cover cache.
const coverCacheMaxBytes = 256 << 20

func main() {
	ctx := context.Background()
	log := logger.New()

	log.Info("starting tinyopds", logger.Data{"version": version.Version})

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Err(err).Fatal("database error")
	}

	// The title search depends on FTS5; refuse to run with a build that
	// lacks it rather than fail on the first query.
	err = database.CheckFTS5Support(db)
	if err != nil {
		log.Err(err).Fatal("FTS5 check failed")
	}

	group, err := migrations.BringUpToDate(ctx, db)
	if err != nil {
		log.Err(err).Fatal("migrations error")
	}
	if group.ID == 0 {
		log.Info("no new migrations to run")
	} else {
		log.Info("migrated to new group", logger.Data{"group_id": group.ID, "migration_names": group.Migrations.String()})
	}

	catalog, err := genres.Load()
	if err != nil {
		log.Err(err).Fatal("genre taxonomy load error")
	}
	genreService := genres.NewService(db, catalog)
	err = genreService.Seed(ctx)
	if err != nil {
		log.Err(err).Fatal("genre seed error")
	}

	resolver, err := aliases.Load()
	if err != nil {
		log.Err(err).Fatal("alias table load error")
	}
	log.Info("alias table loaded", logger.Data{"aliases": resolver.Len()})

	bookService := books.NewService(db, catalog, resolver, cfg.UseAuthorsAliases)
	authorService := authors.NewService(db)
	sequenceService := sequences.NewService(db)
	coverService := covers.NewService(db, filepath.Join(cfg.DataDirectory, "covers"), coverCacheMaxBytes)
	downloadService := downloads.NewService(db, bookService)

	newWindow := time.Duration(cfg.NewBooksPeriodDays()) * 24 * time.Hour
	statsCache := stats.New(bookService, authorService, sequenceService, genreService, newWindow, cfg.CyrillicFirst())
	bookService.OnMutation(statsCache.Invalidate)

	err = statsCache.WarmUp(ctx)
	if err != nil {
		log.Err(err).Error("stats warm-up error")
	}

	scan := scanner.New(bookService, coverService)
	watch := watcher.New(scan, bookService, coverService)

	authService := httpauth.NewService(cfg)
	opdsService := opds.NewService(
		opds.OptionsFromConfig(cfg),
		bookService, authorService, sequenceService, genreService, downloadService, statsCache,
	)

	var converter server.Converter
	if cfg.ConverterPath != "" {
		converter = &server.ExecConverter{Path: cfg.ConverterPath}
	}

	srv, err := server.New(server.Deps{
		Config:    cfg,
		Books:     bookService,
		Covers:    coverService,
		Downloads: downloadService,
		OPDS:      opdsService,
		Auth:      authService,
		Stats:     statsCache,
		Scanner:   scan,
		Converter: converter,
	})
	if err != nil {
		log.Err(err).Fatal("server error")
	}

	graceful := signals.Setup()

	go func() {
		log.Info("server started", logger.Data{"addr": srv.Addr, "root_prefix": cfg.RootPrefix})
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Fatal("server stopped")
		}
		log.Info("server stopped")
	}()

	if cfg.UseWatcher {
		err = watch.Start(cfg.LibraryPath)
		if err != nil {
			log.Err(err).Error("watcher start error")
		} else {
			log.Info("watcher started", logger.Data{"root": cfg.LibraryPath})
		}
	}

	<-graceful
	log.Info("starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if err != nil {
		log.Err(err).Error("server shutdown error")
	}
	log.Info("server shutdown")

	scan.Shutdown()
	log.Info("scanner shutdown")

	watch.Stop()
	log.Info("watcher shutdown")

	err = db.Close()
	if err != nil {
		log.Err(err).Error("database close error")
	}
	log.Info("database closed")
}
