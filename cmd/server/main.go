package main

import (
	"os"
	"os/signal"
	"syscall"

	"collaborative-mindmap/internal/bootstrap"

	"github.com/sirupsen/logrus"
)

func main() {
	app, err := bootstrap.NewApp()
	if err != nil {
		logrus.Fatalf("Failed to initialize application: %v", err)
	}

	if err := app.Start(); err != nil {
		app.Shutdown()
		logrus.Fatalf("Failed to start application: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutdown signal received...")

	app.Shutdown()
}
