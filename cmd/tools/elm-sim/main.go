// elm-sim answers ELM327 commands on a serial port, e.g. one end of a socat
// pty pair, so the gateway can run against it with transport type "spp".
package main

import (
	"bufio"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fisaks/obdgw/internal/logging"
	"github.com/goburrow/serial"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logging.Init()
	portName := getenv("SIM_PORT", "/dev/pts/3")
	baud, err := strconv.Atoi(getenv("SIM_BAUD", "38400"))
	if err != nil {
		logging.Fatal("SIM_BAUD must be a number", "error", err)
	}
	listen := getenv("SIM_LISTEN", ":8081")

	adapter := NewAdapter()
	go func() {
		logging.Info("Simulator REST API listening", "addr", listen)
		if err := http.ListenAndServe(listen, newRouter(adapter)); err != nil {
			logging.Fatal("REST API failed", "error", err)
		}
	}()

	port, err := serial.Open(&serial.Config{
		Address:  portName,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  2 * time.Second,
	})
	if err != nil {
		logging.Fatal("Serial open failed", "port", portName, "error", err)
	}
	defer port.Close()
	logging.Info("ELM327 simulator ready", "port", portName, "baud", baud)

	serve(adapter, port)
}

// serve answers every CR-terminated command read from rw until a read fails
// with something other than a timeout.
func serve(a *Adapter, rw interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
}) {
	sc := bufio.NewScanner(readerFunc(func(p []byte) (int, error) {
		for {
			n, err := rw.Read(p)
			if errors.Is(err, serial.ErrTimeout) || (err == nil && n == 0) {
				continue
			}
			return n, err
		}
	}))
	sc.Split(splitCR)
	for sc.Scan() {
		line := sc.Text()
		reply := a.Handle(line)
		logging.Debug("Command", "cmd", line, "reply", strconv.Quote(reply))
		if _, err := rw.Write([]byte(reply)); err != nil {
			logging.Error("Serial write failed", "error", err)
			return
		}
	}
	if err := sc.Err(); err != nil {
		logging.Error("Serial read failed", "error", err)
	}
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func splitCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\r' || b == '\n' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
