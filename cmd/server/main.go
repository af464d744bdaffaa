package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pulsehq/pulse-sdk/migrations"
	"github.com/pulsehq/pulse-sdk/modules/insight"
	"github.com/pulsehq/pulse-sdk/modules/insight/presentation/controllers"
	"github.com/pulsehq/pulse-sdk/modules/insight/services"
	"github.com/pulsehq/pulse-sdk/pkg/application"
	"github.com/pulsehq/pulse-sdk/pkg/composables"
	"github.com/pulsehq/pulse-sdk/pkg/configuration"
	"github.com/pulsehq/pulse-sdk/pkg/eventbus"
	"github.com/pulsehq/pulse-sdk/pkg/metrics"
	"github.com/pulsehq/pulse-sdk/pkg/middleware"
	"github.com/pulsehq/pulse-sdk/pkg/server"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	logger := conf.Logger()

	if err := runMigrations(conf); err != nil {
		logger.WithError(err).Fatal("migrations failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, conf.Database.Opts)
	if err != nil {
		panic(err)
	}

	publisher := eventbus.NewEventPublisher(logger)
	publisher.Subscribe(func(event services.RunFinishedEvent) {
		logger.WithField("run_id", event.Record.RunID).
			WithField("status", string(event.Record.Status)).
			Info("weekly run recorded")
	})

	module, err := insight.NewModule(conf, publisher)
	if err != nil {
		logger.WithError(err).Fatal("failed to build insight module")
	}

	if conf.Pipeline.SchedulerEnabled {
		scheduler := services.NewScheduler(module.Pipeline, services.SchedulerOptions{
			Interval: conf.Pipeline.SchedulerInterval,
			Logger:   logger.WithField("component", "scheduler"),
		})
		schedulerCtx := composables.WithPool(context.Background(), pool)
		go func() {
			if err := scheduler.Start(schedulerCtx); err != nil && err != context.Canceled {
				logger.WithError(err).Error("scheduler stopped")
			}
		}()
	}

	controllersList := []application.Controller{
		controllers.NewPipelineController(controllers.PipelineControllerConfig{
			Pipeline:       module.Pipeline,
			Interpretation: module.Interpretation,
			Directory:      module.Directory,
			Aggregates:     module.Aggregates,
			Interps:        module.Interpretations,
		}),
	}
	if conf.Prometheus.Enabled {
		controllersList = append(controllersList, metrics.NewPrometheusController(conf.Prometheus.Path))
	}

	srv := server.NewHTTPServer(controllersList, []mux.MiddlewareFunc{
		middleware.WithPool(pool),
		middleware.WithLogger(logger),
		middleware.RequestLogger(),
	})

	logger.WithField("address", conf.SocketAddress).Info("listening")
	if err := srv.Start(conf.SocketAddress); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}

func runMigrations(conf *configuration.Configuration) error {
	db, err := sql.Open("pgx", conf.Database.Opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return migrations.Up(ctx, db)
}
