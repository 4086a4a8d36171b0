package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/chronicle/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTT {
	return config.MQTT{
		Enabled: true,
		Broker: config.MQTTBroker{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "chronicle-test",
			TLS:      false,
		},
		Auth: config.MQTTAuth{
			Username: "",
			Password: "",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnect{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 {
		t.Fatalf("Servers count = %d, want 1", len(opts.Servers))
	}
	if got := opts.Servers[0].String(); got != "tcp://127.0.0.1:1883" {
		t.Errorf("broker URL = %q, want tcp://127.0.0.1:1883", got)
	}
	if opts.ClientID != "chronicle-test" {
		t.Errorf("ClientID = %q, want chronicle-test", opts.ClientID)
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect not enabled")
	}
	if opts.ConnectRetryInterval != time.Second {
		t.Errorf("ConnectRetryInterval = %v, want 1s", opts.ConnectRetryInterval)
	}
	if opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 5s", opts.MaxReconnectInterval)
	}
}

func TestBuildClientOptionsTLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)

	if got := opts.Servers[0].String(); got != "ssl://127.0.0.1:8883" {
		t.Errorf("broker URL = %q, want ssl://127.0.0.1:8883", got)
	}
	if opts.TLSConfig == nil {
		t.Fatal("TLSConfig not set for TLS broker")
	}
}

func TestBuildClientOptionsAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "chronicle"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if opts.Username != "chronicle" {
		t.Errorf("Username = %q, want chronicle", opts.Username)
	}
	if opts.Password != "secret" {
		t.Errorf("Password not carried into options")
	}
}

func TestEffectiveClientID(t *testing.T) {
	if got := effectiveClientID("configured"); got != "configured" {
		t.Errorf("effectiveClientID(configured) = %q", got)
	}

	generated := effectiveClientID("")
	if !strings.HasPrefix(generated, "chronicle-") {
		t.Errorf("generated client id %q missing chronicle- prefix", generated)
	}
	if other := effectiveClientID(""); other == generated {
		t.Error("generated client ids should differ between calls")
	}
}

func TestConfigureLWT(t *testing.T) {
	cfg := testConfig()
	opts := buildClientOptions(cfg)
	configureLWT(opts, "chronicle-test")

	if opts.WillTopic != "chronicle/system/status" {
		t.Errorf("WillTopic = %q, want chronicle/system/status", opts.WillTopic)
	}
	if !opts.WillRetained {
		t.Error("LWT should be retained")
	}

	var payload map[string]string
	if err := json.Unmarshal(opts.WillPayload, &payload); err != nil {
		t.Fatalf("LWT payload is not valid JSON: %v", err)
	}
	if payload["status"] != "offline" {
		t.Errorf("LWT status = %q, want offline", payload["status"])
	}
	if payload["reason"] != "unexpected_disconnect" {
		t.Errorf("LWT reason = %q, want unexpected_disconnect", payload["reason"])
	}
}

func TestStatusPayloads(t *testing.T) {
	var online map[string]string
	if err := json.Unmarshal([]byte(buildOnlinePayload("c1")), &online); err != nil {
		t.Fatalf("online payload is not valid JSON: %v", err)
	}
	if online["status"] != "online" || online["client_id"] != "c1" {
		t.Errorf("online payload = %v", online)
	}

	var offline map[string]string
	if err := json.Unmarshal([]byte(buildOfflinePayload("c1")), &offline); err != nil {
		t.Fatalf("offline payload is not valid JSON: %v", err)
	}
	if offline["status"] != "offline" || offline["reason"] != "graceful_shutdown" {
		t.Errorf("offline payload = %v", offline)
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v, want nil", err)
	}
}

func TestIsConnectedInitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{}

	if err := client.Publish("", []byte("x"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Publish("chronicle/event/state", []byte("x"), 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 3: error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Publish("chronicle/event/state", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected: error = %v, want ErrNotConnected", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("chronicle/event/state", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("qos 3: error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("chronicle/event/state", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler: error = %v, want ErrSubscribeFailed", err)
	}
	if err := client.Subscribe("chronicle/event/state", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected: error = %v, want ErrNotConnected", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("failed subscribes must not be tracked, count = %d", client.SubscriptionCount())
	}
}

func TestUnsubscribeValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}

	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Unsubscribe("chronicle/event/state"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected: error = %v, want ErrNotConnected", err)
	}
}

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		builder  func() string
		expected string
	}{
		{"EventState", Topics{}.EventState, "chronicle/event/state"},
		{"StatisticImport", Topics{}.StatisticImport, "chronicle/statistic/import"},
		{"SystemStatus", Topics{}.SystemStatus, "chronicle/system/status"},
		{"RecorderCommitted", Topics{}.RecorderCommitted, "chronicle/recorder/committed"},
		{"AllEvents", Topics{}.AllEvents, "chronicle/event/+"},
		{"AllTopics", Topics{}.AllTopics, "chronicle/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.builder(); got != tt.expected {
				t.Errorf("%s() = %q, want %q", tt.name, got, tt.expected)
			}
		})
	}
}
