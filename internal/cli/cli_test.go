package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yardcore/yardcore/internal/broker"
	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
)

func TestInitConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("YARDCORE_CONFIG", path)

	got, err := initConfig(false)
	if err != nil {
		t.Fatalf("initConfig: %v", err)
	}
	if got != path {
		t.Fatalf("path = %s, want %s", got, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Server.Port != 5002 {
		t.Errorf("server port = %d", cfg.Server.Port)
	}

	if _, err := initConfig(false); err == nil {
		t.Fatal("expected error when config exists")
	}
	if _, err := initConfig(true); err != nil {
		t.Fatalf("forced init: %v", err)
	}
}

func TestWriteKeyPair(t *testing.T) {
	dir := t.TempDir()
	cfg := config.CryptoConfig{
		PrivateKeyPath: filepath.Join(dir, "keys", "core_private.pem"),
		PublicKeyPath:  filepath.Join(dir, "keys", "core_public.pem"),
	}
	if err := writeKeyPair(cfg, 1024, false); err != nil {
		t.Fatalf("writeKeyPair: %v", err)
	}
	priv, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		t.Fatalf("read private key: %v", err)
	}
	if _, err := broker.ParsePrivateKey(priv); err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	info, err := os.Stat(cfg.PrivateKeyPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("private key mode = %v", info.Mode().Perm())
	}
	pub, _ := os.ReadFile(cfg.PublicKeyPath)
	if !strings.Contains(string(pub), "PUBLIC KEY") {
		t.Errorf("public key = %q", pub)
	}

	if err := writeKeyPair(cfg, 1024, false); err == nil {
		t.Fatal("expected error when key exists")
	}
	if err := writeKeyPair(config.CryptoConfig{}, 1024, true); err == nil {
		t.Fatal("expected error without paths")
	}
}

func TestMigrateAndListAgents(t *testing.T) {
	dbCfg := config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "yardcore.db")}
	if err := migrate(dbCfg); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := database.Open(dbCfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if _, err := db.Agents.Create(ctx, &database.Agent{UUID: "truck-1", Name: "truck", YardID: 1, ConnectionStatus: database.ConnectionOnline}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if _, err := db.Agents.Create(ctx, &database.Agent{UUID: "truck-2", YardID: 2}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	var out bytes.Buffer
	if err := listAgents(ctx, db, &out, 0, false); err != nil {
		t.Fatalf("listAgents: %v", err)
	}
	if !strings.Contains(out.String(), "truck-1") || !strings.Contains(out.String(), "2 agent(s)") {
		t.Errorf("unexpected output:\n%s", out.String())
	}

	out.Reset()
	if err := listAgents(ctx, db, &out, 2, false); err != nil {
		t.Fatalf("listAgents yard: %v", err)
	}
	if strings.Contains(out.String(), "truck-1") || !strings.Contains(out.String(), "1 agent(s)") {
		t.Errorf("yard filter output:\n%s", out.String())
	}

	out.Reset()
	if err := listAgents(ctx, db, &out, 0, true); err != nil {
		t.Fatalf("listAgents online: %v", err)
	}
	if strings.Contains(out.String(), "truck-2") {
		t.Errorf("online filter output:\n%s", out.String())
	}
}

func TestNodeRunsSingleProcess(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "yardcore.db")
	cfg.Crypto.PrivateKeyPath = filepath.Join(dir, "keys", "core_private.pem")
	cfg.Crypto.PublicKeyPath = filepath.Join(dir, "keys", "core_public.pem")
	cfg.Server.Port = 0

	transport := broker.NewMemory()
	n, err := newNode(cfg, transport)
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !(n.roles.IsLeader() && n.roles.IsBroadcaster()) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("node never took its roles")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if transport.Consumers(broker.QueueCheckin) == 0 {
		t.Error("check-in queue has no consumer")
	}
	if _, err := os.Stat(cfg.Crypto.PrivateKeyPath); err != nil {
		t.Errorf("signing key not created: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
}
