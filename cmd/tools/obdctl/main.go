package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/obdgw/internal/messaging"
	"github.com/google/uuid"
)

var actions = []string{"resync", "scan", "reconnect", "sleep", "rediscover", "raw"}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  obdctl ACTION [flags]

Actions:
  resync      republish every reportable value
  scan        scan for adapters (--value = window in ms)
  reconnect   drop the adapter session and reconnect
  sleep       put the gateway to sleep
  rediscover  rerun PID support discovery
  raw         send a raw adapter command (--value = command, e.g. ATRV)

Flags:
  --gateway  (string)   Gateway client name (default: gateway1)
  --prefix   (string)   Topic prefix (default: obdgw/<gateway>)
  --value    (string)   Action value
  --wait     (duration) Wait this long for the command event (default: 0, no wait)
  --broker   (string)   MQTT broker address (default: tcp://localhost:1883)

`)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Missing action (e.g. resync)\n")
		usage()
		os.Exit(2)
	}

	action := os.Args[1]
	if !slices.Contains(actions, action) {
		fmt.Fprintf(os.Stderr, "Unknown action: %s\n", action)
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet(action, flag.ExitOnError)
	gateway := fs.String("gateway", "gateway1", "Gateway client name")
	prefix := fs.String("prefix", "", "Topic prefix")
	value := fs.String("value", "", "Action value")
	wait := fs.Duration("wait", 0, "Wait for the command event")
	broker := fs.String("broker", "tcp://localhost:1883", "MQTT broker address")
	fs.Usage = usage

	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}
	if action == "raw" && *value == "" {
		fmt.Fprintf(os.Stderr, "--value is required for raw\n")
		usage()
		os.Exit(2)
	}
	if *prefix == "" {
		*prefix = "obdgw/" + *gateway
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("obdctl-%d", time.Now().UnixNano()))
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Fprintf(os.Stderr, "MQTT connect error: %v\n", token.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	cmd := messaging.IncomingCommand{ID: uuid.NewString(), Action: action}
	if *value != "" {
		cmd.Value = *value
	}

	events := make(chan messaging.CommandEvent, 1)
	if *wait > 0 {
		token := client.Subscribe(*prefix+"/event", byte(messaging.AtLeastOnce), func(_ mqtt.Client, msg mqtt.Message) {
			var ev messaging.CommandEvent
			if err := json.Unmarshal(msg.Payload(), &ev); err == nil && ev.ID == cmd.ID {
				select {
				case events <- ev:
				default:
				}
			}
		})
		if token.Wait() && token.Error() != nil {
			fmt.Fprintf(os.Stderr, "MQTT subscribe error: %v\n", token.Error())
			os.Exit(1)
		}
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON marshal error: %v\n", err)
		os.Exit(1)
	}
	token := client.Publish(*prefix+"/cmd", byte(messaging.AtLeastOnce), false, payload)
	token.Wait()
	if token.Error() != nil {
		fmt.Fprintf(os.Stderr, "MQTT publish error: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("Published %s (%s) to %s/cmd\n", action, cmd.ID, *prefix)

	if *wait <= 0 {
		return
	}
	select {
	case ev := <-events:
		fmt.Printf("%s: %s %s\n", ev.Action, ev.Status, ev.Detail)
		if ev.Status != "ok" {
			os.Exit(1)
		}
	case <-time.After(*wait):
		fmt.Fprintf(os.Stderr, "No event within %s\n", *wait)
		os.Exit(1)
	}
}
