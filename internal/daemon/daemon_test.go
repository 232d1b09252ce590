//go:build linux

package daemon

import (
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"firestige.xyz/arnet/internal/config"
	"firestige.xyz/arnet/internal/dispatch"
	"firestige.xyz/arnet/internal/frame"
	"firestige.xyz/arnet/internal/transport"
	"firestige.xyz/arnet/internal/transportid"
)

func writeConfig(t *testing.T, dir string, txPort int) string {
	t.Helper()
	return writeConfigLevel(t, dir, txPort, "debug")
}

func writeConfigLevel(t *testing.T, dir string, txPort int, level string) string {
	t.Helper()
	configPath := filepath.Join(dir, "arnet.yml")
	content := `
arnet:
  transport:
    tx_addr: 127.0.0.1
    tx_port: ` + strconv.Itoa(txPort) + `
    rx_port: 0
    ping_period: 0s
  control:
    pid_file: ` + filepath.Join(dir, "arnet.pid") + `
  log:
    level: ` + level + `
    format: text
    outputs:
      file:
        enabled: true
        path: ` + filepath.Join(dir, "arnet.log") + `
  metrics:
    enabled: true
    listen: 127.0.0.1:0
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configPath
}

func listenPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDaemon_StartStopIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	peer := listenPeer(t)
	configPath := writeConfig(t, tmpDir, peer.LocalAddr().(*net.UDPAddr).Port)

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	d := New(cfg, configPath)
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}

	// PID file
	data, err := os.ReadFile(cfg.Control.PIDFile)
	if err != nil {
		t.Fatalf("PID file not created: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("unexpected PID file content %q", data)
	}

	if d.RxPort() == 0 {
		t.Error("expected a bound rx port")
	}
	if d.MetricsAddr() == "" {
		t.Error("expected metrics server address")
	}

	// Send a frame through the loop and read it on the peer
	err = d.Do(func(disp *dispatch.Dispatcher, _ *transport.Transport) error {
		return disp.Send(frame.TypeData, transportid.C2DCmdNoAck, []byte("hello"))
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer read failed: %v", err)
	}
	h, err := frame.ParseHeader(buf[:n])
	if err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	if h.ID != transportid.C2DCmdNoAck || string(buf[frame.HeaderSize:n]) != "hello" {
		t.Errorf("unexpected frame %+v %q", h, buf[frame.HeaderSize:n])
	}

	// Run returns on TriggerShutdown
	done := make(chan error, 1)
	go func() { done <- d.Run() }()
	d.TriggerShutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop in time")
	}

	if _, err := os.Stat(cfg.Control.PIDFile); !os.IsNotExist(err) {
		t.Error("PID file not removed after stop")
	}

	// Stop is idempotent
	d.Stop()
}

func TestDaemon_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	first := listenPeer(t)
	second := listenPeer(t)
	configPath := writeConfig(t, tmpDir, first.LocalAddr().(*net.UDPAddr).Port)

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	d := New(cfg, configPath)
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}
	defer d.Stop()
	rxPort := d.RxPort()

	// Retarget tx and enable fault injection
	secondPort := second.LocalAddr().(*net.UDPAddr).Port
	writeConfig(t, tmpDir, secondPort)
	content, _ := os.ReadFile(configPath)
	content = append(content, []byte("  fault_injection:\n    rx_drop_ratio: 25\n")...)
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	if err := d.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	var got transport.Config
	err = d.Do(func(_ *dispatch.Dispatcher, tr *transport.Transport) error {
		got = tr.Config()
		return nil
	})
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	if got.TxPort != uint16(secondPort) {
		t.Errorf("tx port not reloaded: got %d, want %d", got.TxPort, secondPort)
	}
	if got.RxPort != rxPort {
		t.Errorf("rx port changed across reload: got %d, want %d", got.RxPort, rxPort)
	}
	if d.config.FaultInjection.RxDropRatio != 25 {
		t.Errorf("fault injection not reloaded: %v", d.config.FaultInjection.RxDropRatio)
	}
}

func TestDaemon_ReloadRaisesTransportLogLevel(t *testing.T) {
	tmpDir := t.TempDir()
	peer := listenPeer(t)
	txPort := peer.LocalAddr().(*net.UDPAddr).Port
	configPath := writeConfigLevel(t, tmpDir, txPort, "info")
	logPath := filepath.Join(tmpDir, "arnet.log")

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	d := New(cfg, configPath)
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}
	defer d.Stop()

	send := func(payload string) {
		t.Helper()
		err := d.Do(func(disp *dispatch.Dispatcher, _ *transport.Transport) error {
			return disp.Send(frame.TypeData, transportid.C2DCmdNoAck, []byte(payload))
		})
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	send("before")
	writeConfigLevel(t, tmpDir, txPort, "debug")
	if err := d.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	send("after")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	logText := string(data)
	if strings.Contains(logText, hex.EncodeToString([]byte("before"))) {
		t.Error("frame logged at debug before the level was raised")
	}
	if !strings.Contains(logText, "transport=net") || !strings.Contains(logText, hex.EncodeToString([]byte("after"))) {
		t.Errorf("transport frame log missing after reload:\n%s", logText)
	}
}

func TestDaemon_ReloadInvalidConfigKeepsRunning(t *testing.T) {
	tmpDir := t.TempDir()
	peer := listenPeer(t)
	configPath := writeConfig(t, tmpDir, peer.LocalAddr().(*net.UDPAddr).Port)

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	d := New(cfg, configPath)
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}
	defer d.Stop()

	if err := os.WriteFile(configPath, []byte("arnet:\n  log:\n    level: loud\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	if err := d.Reload(); err == nil {
		t.Fatal("expected reload error for invalid config")
	}
	if d.config != cfg {
		t.Error("config replaced by invalid reload")
	}
}

func TestDaemon_DoBeforeStart(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	d := New(cfg, "")
	err = d.Do(func(*dispatch.Dispatcher, *transport.Transport) error { return nil })
	if err == nil {
		t.Fatal("expected error before start")
	}
}
