// cmd/hik2mqtt-sub is a debug subscriber: it dials the broker, subscribes
// to the bridge's whole topic tree, and prints every message it sees.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sua-org/hik2mqtt/internal/config"
	"github.com/sua-org/hik2mqtt/internal/mqttclient"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[debug] no .env loaded: %v", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("[debug] config error: %v", err)
	}

	subscribeTopic := cfg.MQTT.BaseTopic + "/#"

	cli, err := mqttclient.NewClientFromConfig(cfg.MQTT)
	if err != nil {
		log.Fatalf("[debug] mqtt connect error: %v", err)
	}
	defer cli.Close()

	log.Printf("[debug] subscribed to topic: %s", subscribeTopic)

	if err := cli.Subscribe(subscribeTopic, 1, handleMessage); err != nil {
		log.Fatalf("[debug] subscribe error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("[debug] signal received, shutting down")
		cancel()
	}()

	<-ctx.Done()
	time.Sleep(250 * time.Millisecond)
}

func handleMessage(topic string, payload []byte) {
	log.Printf("[debug] %s = %s", topic, string(payload))
}
