package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/obdgw/internal/messaging"
)

var (
	entriesMu sync.Mutex
	entries   = map[string]messaging.EntrySummary{}
)

func readCatalogMessage(payload []byte) (string, error) {
	var msg messaging.CatalogMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", err
	}
	entriesMu.Lock()
	for _, e := range msg.Entries {
		entries[e.Name] = e
	}
	entriesMu.Unlock()
	return fmt.Sprintf("%d entries", len(msg.Entries)), nil
}

// formatReport renders a state or diagnostic message as "name=value unit",
// adding the description known from the catalog.
func formatReport(payload []byte) (string, error) {
	var r messaging.ReportMessage
	if err := json.Unmarshal(payload, &r); err != nil {
		return "", err
	}
	line := fmt.Sprintf("%s=%s", r.Name, r.Value)
	if r.Unit != "" {
		line += " " + r.Unit
	}
	entriesMu.Lock()
	e, ok := entries[r.Name]
	entriesMu.Unlock()
	if ok && e.Description != "" {
		line += fmt.Sprintf(" (%s)", e.Description)
	}
	return fmt.Sprintf("%s ts=%d", line, r.Timestamp), nil
}

func compactJSON(payload []byte) string {
	var obj any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return string(payload)
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return string(payload)
	}
	return string(out)
}

func format(topic string, payload []byte) (string, error) {
	switch {
	case strings.HasSuffix(topic, "/catalog"):
		return readCatalogMessage(payload)
	case strings.Contains(topic, "/state/"), strings.Contains(topic, "/diagnostic/"):
		return formatReport(payload)
	default:
		return compactJSON(payload), nil
	}
}

func main() {
	var broker, topic string
	flag.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	flag.StringVar(&topic, "topic", "obdgw/#", "MQTT topic filter")
	flag.Parse()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("obdgw-monitor-%d", time.Now().UnixNano()))
	opts.SetDefaultPublishHandler(func(client mqtt.Client, msg mqtt.Message) {
		line, err := format(msg.Topic(), msg.Payload())
		if err != nil {
			fmt.Printf("%s %s (error: %v)\n", msg.Topic(), string(msg.Payload()), err)
			return
		}
		fmt.Printf("%s %s\n", msg.Topic(), line)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}
	fmt.Printf("Connected to MQTT broker %s, subscribing to %s...\n", broker, topic)

	if token := client.Subscribe(topic, 0, nil); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}

	// Wait for interrupt
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()
	<-ctx.Done()
	client.Disconnect(200)
}
