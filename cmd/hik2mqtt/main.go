// cmd/hik2mqtt bridges Hikvision camera alert streams to MQTT.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/sua-org/hik2mqtt/internal/bridge"
	"github.com/sua-org/hik2mqtt/internal/config"
)

// Exit codes per §6: 0 clean shutdown, 1 fatal config error, 2
// unrecoverable startup I/O (e.g. the MQTT broker refuses to connect).
const (
	exitOK            = 0
	exitConfigError   = 1
	exitStartupIOFail = 2
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[main] no .env loaded: %v", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Printf("[main] config error: %v", err)
		os.Exit(exitConfigError)
	}

	b, err := bridge.New(cfg)
	if err != nil {
		log.Printf("[main] bridge setup error: %v", err)
		os.Exit(exitConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- b.Run(ctx)
	}()

	select {
	case <-sig:
		log.Println("[main] signal received, shutting down")
		cancel()
		<-runErr
		os.Exit(exitOK)
	case err := <-runErr:
		if err != nil {
			log.Printf("[main] bridge terminated: %v", err)
			os.Exit(exitStartupIOFail)
		}
		os.Exit(exitOK)
	}
}
