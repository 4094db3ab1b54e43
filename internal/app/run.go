package app

import (
	"context"
	"time"

	"lead-router/internal/common/logging"
	"lead-router/internal/server"
)

const shutdownTimeout = 30 * time.Second

// Serve starts the retry scheduler and the HTTP server, then blocks until
// ctx is cancelled or the listener fails, and shuts both down.
func (app *App) Serve(ctx context.Context) error {
	if app.Scheduler != nil {
		if err := app.Scheduler.Start(ctx); err != nil {
			return err
		}
		defer app.Scheduler.Stop()
	} else {
		app.Logger.Info("Retry scheduler disabled (QUEUE_SCHEDULE is empty)")
	}

	srv := server.New(app.Handler(), app.Config.Port, logging.Component("server"))
	srv.Start()

	var serveErr error
	select {
	case <-ctx.Done():
		app.Logger.Info("Shutting down server...")
	case err, ok := <-srv.Errors():
		if ok {
			app.Logger.Error("Server failed", err)
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("Server forced to shutdown", err)
		if serveErr == nil {
			serveErr = err
		}
	}

	app.Logger.Info("Server exited")
	return serveErr
}
