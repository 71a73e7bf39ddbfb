package directory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/quietmesh/meshnet/pkg/meshtypes"
	"github.com/quietmesh/meshnet/pkg/wgcrypto"
)

func TestConfigSetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	if cfg.PollInterval != DefaultPollInterval {
		t.Fatalf("expected default poll interval %v, got %v", DefaultPollInterval, cfg.PollInterval)
	}

	explicit := Config{PollInterval: 5 * time.Second}
	explicit.setDefaults()
	if explicit.PollInterval != 5*time.Second {
		t.Fatalf("expected explicit poll interval to survive defaulting, got %v", explicit.PollInterval)
	}
}

func TestNewRejectsMissingFields(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected New to reject a config with no RedisAddr or NetworkName")
	}
	if _, err := New(Config{RedisAddr: "localhost:6379"}); err == nil {
		t.Fatal("expected New to reject a config with no NetworkName")
	}
}

func TestRosterJSONRoundTrip(t *testing.T) {
	sk, err := wgcrypto.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	pk, err := wgcrypto.PublicKeyOf(sk)
	if err != nil {
		t.Fatalf("PublicKeyOf: %v", err)
	}

	r := roster{
		Config: meshtypes.MeshConfig{
			This: meshtypes.PeerBase{PublicKey: pk, Hostname: "node-a"},
		},
		Version: 42,
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got roster
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Version != r.Version || got.Config.This.PublicKey != pk || got.Config.This.Hostname != "node-a" {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}
