package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/app"
	"github.com/jun/gophboard/internal/config"
)

var configFile = flag.String("config", "", "path to a config file (yaml, json or toml)")

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*configFile)
	if err != nil {
		glog.Exitf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		glog.Exitf("startup: %v", err)
	}
	go application.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           application.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		glog.Infof("Starting bridge on %s (board %s)", cfg.ListenAddr, cfg.BoardID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("listen: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	glog.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("http shutdown: %v", err)
	}
	if err := application.Close(shutdownCtx); err != nil {
		glog.Errorf("close: %v", err)
	}
}
