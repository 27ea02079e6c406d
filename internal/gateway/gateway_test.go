package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fisaks/obdgw/internal/clock"
	"github.com/fisaks/obdgw/internal/config"
	"github.com/fisaks/obdgw/internal/connection"
	"github.com/fisaks/obdgw/internal/messaging"
	"github.com/fisaks/obdgw/internal/obdgw"
	"github.com/fisaks/obdgw/internal/state"
	"github.com/fisaks/obdgw/internal/transport"
	"github.com/fisaks/obdgw/internal/transport/transporttest"
)

type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStore() *memStore { return &memStore{files: map[string][]byte{}} }

func (m *memStore) ReadFile(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return b, nil
}

func (m *memStore) WriteFile(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), data...)
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	reports []obdgw.Report
}

func (s *recordingSink) Emit(_ context.Context, r obdgw.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *recordingSink) find(name string) (obdgw.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reports {
		if r.Name == name {
			return r, true
		}
	}
	return obdgw.Report{}, false
}

type recordingSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d)
	return nil
}

func testConfig() *config.GatewayConfig {
	cfg := config.Default()
	cfg.PollIntervalMs = 5
	cfg.ReportIntervalMs = 10
	cfg.IdleCheckMs = 10
	cfg.HTTP.Listen = "127.0.0.1:0"
	return cfg
}

func newTestGateway(t *testing.T, f *transporttest.Fake, c clock.Clock) (*Gateway, *recordingSink, *recordingSleeper, *memStore) {
	t.Helper()
	sink := &recordingSink{}
	sleeper := &recordingSleeper{}
	store := newMemStore()
	g, err := New(testConfig(), Deps{Transport: f, Scanner: f, Store: store, Sink: sink, Sleeper: sleeper, Clock: c})
	if err != nil {
		t.Fatal(err)
	}
	g.backoffMin = time.Millisecond
	g.backoffMax = 5 * time.Millisecond
	return g, sink, sleeper, store
}

func TestRunReportsPolledValues(t *testing.T) {
	f := transporttest.New(transporttest.Handshake())
	f.SetDefaultReply("NO DATA\r\r>")
	f.SetReply("010C1", "410C1AF8\r\r>")
	g, sink, _, store := newTestGateway(t, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	var rpm obdgw.Report
	for time.Now().Before(deadline) {
		if r, ok := sink.find("rpm"); ok {
			rpm = r
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rpm.Value != "1726" {
		t.Fatalf("expected rpm 1726 reported, got %+v", rpm)
	}
	if _, ok := store.files[config.SettingsFile]; !ok {
		t.Fatal("expected default settings stored on first boot")
	}
	if f.IsOpen() {
		t.Fatal("expected session ended on shutdown")
	}
}

func TestRepeatedConnectFailuresSleepOnce(t *testing.T) {
	f := transporttest.New(nil)
	f.SetOpenErr(errors.New("adapter not found"))
	g, _, sleeper, store := newTestGateway(t, f, nil)

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, connection.ErrSleepRequested) {
			t.Fatalf("expected ErrSleepRequested, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected sleep after repeated failures")
	}
	if f.Opens() != connection.MaxConnectFailures+1 {
		t.Fatalf("expected %d connect attempts, got %d", connection.MaxConnectFailures+1, f.Opens())
	}
	if len(sleeper.calls) != 1 || sleeper.calls[0] != time.Hour {
		t.Fatalf("expected one 1h sleep, got %v", sleeper.calls)
	}
	if _, ok := store.files[state.StatesFile]; !ok {
		t.Fatal("expected states stored before sleep")
	}
	if g.pollTask.Running() || g.reportTask.Running() {
		t.Fatal("expected tasks halted")
	}
}

func TestIdleWatchdog(t *testing.T) {
	f := transporttest.New(transporttest.Handshake())
	c := &clock.Manual{}
	g, _, _, _ := newTestGateway(t, f, c)
	g.Init()

	g.checkIdle(context.Background())
	if g.ctrl.SleepRequested() {
		t.Fatal("expected no sleep while disconnected")
	}

	c.Set(10_000)
	if err := g.ctrl.Connect(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	c.Set(10_000 + 299_000)
	g.checkIdle(context.Background())
	if g.ctrl.SleepRequested() {
		t.Fatal("expected no sleep before the timeout")
	}
	c.Set(10_000 + 300_000)
	g.checkIdle(context.Background())
	if !g.ctrl.SleepRequested() {
		t.Fatal("expected idle sleep after general.sleepTimeout")
	}
	req := <-g.ctrl.Sleep()
	if req.Duration != time.Hour || !strings.Contains(req.Reason, "no successful poll") {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestSettingsChangeUpdatesOptions(t *testing.T) {
	g, _, _, _ := newTestGateway(t, transporttest.New(nil), nil)
	g.Init()
	if got := g.ctrl.Options().Name; got != DefaultAdapterName {
		t.Fatalf("expected default adapter name, got %q", got)
	}
	if err := g.settings.ParseJSON([]byte(`{"obd2":{"name":"OBDII","mac":"AA:BB:CC:DD:EE:FF","protocol":"6"}}`)); err != nil {
		t.Fatal(err)
	}
	opts := g.ctrl.Options()
	if opts.Name != "OBDII" || opts.Address != "AA:BB:CC:DD:EE:FF" || opts.Protocol != "6" || !opts.SpecifyNumResponses {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestCommands(t *testing.T) {
	f := transporttest.New(nil)
	g, _, _, _ := newTestGateway(t, f, nil)
	g.Init()

	rpm, _ := g.registry.GetStateByName("rpm")
	rpm.MarkReported(0)
	if err := g.OnCommand(context.Background(), messaging.IncomingCommand{Action: "resync"}); err != nil {
		t.Fatal(err)
	}
	if _, reported := rpm.LastUpdate(); reported {
		t.Fatal("expected resync to clear report throttles")
	}
	if err := g.OnCommand(context.Background(), messaging.IncomingCommand{Action: "dance"}); err == nil {
		t.Fatal("expected unknown action error")
	}
	if err := g.OnCommand(context.Background(), messaging.IncomingCommand{Action: "rediscover"}); err != nil {
		t.Fatal(err)
	}
	if err := g.OnCommand(context.Background(), messaging.IncomingCommand{Action: "sleep"}); err != nil {
		t.Fatal(err)
	}
	if err := g.OnCommand(context.Background(), messaging.IncomingCommand{Action: "sleep"}); err == nil {
		t.Fatal("expected second sleep request rejected")
	}
}

func TestScanHoldsGateAndStoresDevices(t *testing.T) {
	f := transporttest.New(nil)
	f.SetPeers([]transport.Peer{{Name: "OBDBLE", MAC: "AA:BB:CC:DD:EE:01"}})
	g, _, _, store := newTestGateway(t, f, nil)
	g.Init()

	rr := httptest.NewRecorder()
	g.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/scan", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(string(store.files["devices.json"]), `"mac":"AA:BB:CC:DD:EE:01"`) {
		t.Fatalf("expected devices stored, got %s", store.files["devices.json"])
	}
	if g.gate.Active() {
		t.Fatal("expected gate released after scan")
	}
}
