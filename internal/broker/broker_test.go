package broker

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"filippo.io/age"
)

func TestTopologyTopics(t *testing.T) {
	topo := NewTopology("yc", 2*time.Second, 10*time.Minute)

	cases := []struct {
		exchange, key, want string
	}{
		{ExchangeUplink, "agent.u1.state", "yc.uplink.state"},
		{ExchangeUplink, "agent.u1.visualization", "yc.uplink.visualization"},
		{ExchangeAnonymous, "agent.u1.checkin", "yc.anonymous"},
		{ExchangeDownlink, "agent.u1.assignment", "yc.downlink"},
		{ExchangeDownlinkMQTT, "agent.u1.assignment", "yc.downlink.mqtt"},
	}
	for _, c := range cases {
		got, err := topo.TopicFor(c.exchange, c.key)
		if err != nil {
			t.Fatalf("TopicFor(%s, %s): %v", c.exchange, c.key, err)
		}
		if got != c.want {
			t.Errorf("TopicFor(%s, %s) = %s, want %s", c.exchange, c.key, got, c.want)
		}
	}
	if _, err := topo.TopicFor(ExchangeUplink, "agent.u1.bogus"); err == nil {
		t.Error("expected error for unknown uplink queue")
	}

	checkin, _ := topo.Queue(QueueCheckin)
	if !slices.Contains(checkin.Topics, "yc.anonymous") {
		t.Errorf("checkin topics = %v, want anonymous bound", checkin.Topics)
	}
	topics := topo.Topics()
	if topics["yc.uplink.visualization"] != 2*time.Second {
		t.Errorf("visualization retention = %v", topics["yc.uplink.visualization"])
	}
	if topics["yc.uplink.state"] != 10*time.Minute {
		t.Errorf("state retention = %v", topics["yc.uplink.state"])
	}
	if _, ok := topics["yc.downlink"]; !ok {
		t.Error("downlink topic missing")
	}
}

func TestRoutingKeyHelpers(t *testing.T) {
	if got := AgentUUIDFromRoutingKey("agent.abc-1.update"); got != "abc-1" {
		t.Errorf("uuid = %q", got)
	}
	if got := AgentUUIDFromRoutingKey("yard.1.visualization"); got != "" {
		t.Errorf("uuid from non-agent key = %q", got)
	}
	if got := QueueForRoutingKey("agent.abc.mission_req"); got != QueueMissionReq {
		t.Errorf("queue = %q", got)
	}
	if got := AgentRoutingKey("u", "instantActions"); got != "agent.u.instantActions" {
		t.Errorf("routing key = %q", got)
	}
}

func TestEnsureTopologyRecreatesOnRetentionDiff(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	topo := NewTopology("yc", 2*time.Second, 10*time.Minute)
	mem.SetTopic("yc.uplink.visualization", 5*time.Second)
	mem.SetTopic("yc.uplink.state", 10*time.Minute)

	if err := EnsureTopology(ctx, mem.Admin(), topo, true); err != nil {
		t.Fatalf("EnsureTopology: %v", err)
	}
	if got := mem.DeletedTopics(); len(got) != 1 || got[0] != "yc.uplink.visualization" {
		t.Fatalf("deleted = %v, want only visualization", got)
	}
	r, ok, _ := mem.Admin().TopicRetention(ctx, "yc.uplink.visualization")
	if !ok || r != 2*time.Second {
		t.Errorf("visualization retention = %v (exists %v)", r, ok)
	}
	for topic := range topo.Topics() {
		if _, ok, _ := mem.Admin().TopicRetention(ctx, topic); !ok {
			t.Errorf("topic %s not created", topic)
		}
	}
}

func TestEnsureTopologyKeepsWhenNotRecreating(t *testing.T) {
	mem := NewMemory()
	topo := NewTopology("yc", 2*time.Second, 0)
	mem.SetTopic("yc.uplink.visualization", 5*time.Second)
	if err := EnsureTopology(context.Background(), mem.Admin(), topo, false); err != nil {
		t.Fatal(err)
	}
	if len(mem.DeletedTopics()) != 0 {
		t.Errorf("deleted = %v, want none", mem.DeletedTopics())
	}
}

func TestSignAndVerify(t *testing.T) {
	priv, pub, err := GenerateKeyPair(2048)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ParsePrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSigner(key)

	wrapped, err := s.Wrap([]byte(`{"type":"assignment"}`))
	if err != nil {
		t.Fatal(err)
	}
	var sm SignedMessage
	if err := json.Unmarshal(wrapped, &sm); err != nil {
		t.Fatal(err)
	}
	if sm.Message != `{"type":"assignment"}` {
		t.Errorf("message = %q", sm.Message)
	}
	if err := Verify(string(pub), []byte(sm.Message), sm.Signature); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := Verify(string(pub), []byte("tampered"), sm.Signature); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered Verify = %v, want ErrBadSignature", err)
	}

	fromSigner, err := s.PublicKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	if fromSigner != string(pub) {
		t.Error("PublicKeyPEM does not match generated public key")
	}
}

func TestLoadOrCreateSigner(t *testing.T) {
	dir := t.TempDir()
	priv, pub := dir+"/keys/core.pem", dir+"/keys/core.pub"
	s1, err := LoadOrCreateSigner(priv, pub)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := LoadOrCreateSigner(priv, pub)
	if err != nil {
		t.Fatal(err)
	}
	p1, _ := s1.PublicKeyPEM()
	p2, _ := s2.PublicKeyPEM()
	if p1 != p2 {
		t.Error("second load generated a different key")
	}
}

func TestEncryptors(t *testing.T) {
	if _, err := NewEncryptor(EncryptionAES256); !errors.Is(err, ErrUnsupportedEncryption) {
		t.Errorf("aes256 err = %v", err)
	}
	none, err := NewEncryptor(EncryptionNone)
	if err != nil {
		t.Fatal(err)
	}
	out, _ := none.Encrypt([]byte("x"), Target{})
	if string(out) != "x" {
		t.Errorf("none changed body: %q", out)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	enc, err := NewEncryptor(EncryptionAgent)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Encrypt([]byte("x"), Target{UUID: "a", KeyFormat: KeyFormatPEM, PublicKey: "pem"}); !errors.Is(err, ErrNoRecipientKey) {
		t.Errorf("pem target err = %v", err)
	}
	ct, err := enc.Encrypt([]byte("secret"), Target{UUID: "a", KeyFormat: KeyFormatAge, PublicKey: id.Recipient().String()})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(ct), "-----BEGIN AGE ENCRYPTED FILE-----") {
		t.Errorf("ciphertext not armored: %q", ct[:20])
	}
	pt, err := DecryptAge(ct, id.String())
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "secret" {
		t.Errorf("decrypted = %q", pt)
	}
}

func newTestGateway(t *testing.T) (*Gateway, *MemoryTransport) {
	t.Helper()
	priv, _, err := GenerateKeyPair(1024)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ParsePrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	mem := NewMemory()
	g := NewGateway(mem, NewTopology("yc", time.Second, time.Minute), NewSigner(key), nil, GatewayOptions{Group: "core", Prefetch: 4})
	return g, mem
}

func TestGatewaySendToAgentRoutesByProtocol(t *testing.T) {
	g, mem := newTestGateway(t)
	ctx := context.Background()

	if err := g.SendToAgent(ctx, Target{UUID: "u1", Protocol: "AMQP"}, "assignment", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := g.SendToAgent(ctx, Target{UUID: "u2", Protocol: "MQTT"}, "instantActions", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	amqp := mem.Published("yc.downlink")
	mqtt := mem.Published("yc.downlink.mqtt")
	if len(amqp) != 1 || amqp[0].RoutingKey != "agent.u1.assignment" {
		t.Fatalf("downlink = %+v", amqp)
	}
	if len(mqtt) != 1 || mqtt[0].RoutingKey != "agent.u2.instantActions" {
		t.Fatalf("downlink.mqtt = %+v", mqtt)
	}
	var sm SignedMessage
	if err := json.Unmarshal(amqp[0].Body, &sm); err != nil || sm.Signature == "" {
		t.Errorf("body not a signed wrapper: %s", amqp[0].Body)
	}
}

func TestGatewayRoleSubscriptions(t *testing.T) {
	g, mem := newTestGateway(t)
	ctx := context.Background()
	var states atomic.Int32
	g.Handle(QueueState, func(ctx context.Context, msg Message) error {
		states.Add(1)
		return nil
	})

	common, err := g.EnterCommon(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if common.Len() != len(CommonQueues) {
		t.Errorf("common subs = %v", common.Queues())
	}
	leader, err := g.EnterLeader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Publish(ctx, ExchangeUplink, "agent.u1.state", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if states.Load() != 1 {
		t.Fatalf("state handler calls = %d, want 1", states.Load())
	}

	g.Exit(ctx, leader)
	if n := mem.Consumers(QueueState); n != 0 {
		t.Errorf("state consumers after exit = %d", n)
	}
	if n := mem.Consumers(QueueCheckin); n != 1 {
		t.Errorf("checkin consumers = %d, want common set untouched", n)
	}
	_ = g.Publish(ctx, ExchangeUplink, "agent.u1.state", []byte(`{}`))
	if states.Load() != 1 {
		t.Errorf("state delivered after exit")
	}
}

func TestGatewayCompetingConsumers(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	var calls atomic.Int32
	g.Handle(QueueMissionReq, func(ctx context.Context, msg Message) error {
		calls.Add(1)
		return nil
	})
	if _, err := g.EnterCommon(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := g.EnterCommon(ctx); err != nil {
		t.Fatal(err)
	}
	for range 4 {
		_ = g.Publish(ctx, ExchangeUplink, "agent.u1.mission_req", []byte(`{}`))
	}
	if calls.Load() != 4 {
		t.Errorf("mission_req handled %d times, want 4 (once per message)", calls.Load())
	}
}

func TestGatewayBlockedAgentDropped(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	var updates, checkins atomic.Int32
	g.Handle(QueueUpdate, func(ctx context.Context, msg Message) error { updates.Add(1); return nil })
	g.Handle(QueueCheckin, func(ctx context.Context, msg Message) error { checkins.Add(1); return nil })
	if _, err := g.EnterCommon(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := g.EnterLeader(ctx); err != nil {
		t.Fatal(err)
	}

	_ = g.CloseAgentConnections(ctx, "u1")
	_ = g.Publish(ctx, ExchangeUplink, "agent.u1.update", []byte(`{}`))
	_ = g.Publish(ctx, ExchangeAnonymous, "agent.u1.checkin", []byte(`{}`))
	if updates.Load() != 0 || checkins.Load() != 1 {
		t.Fatalf("updates=%d checkins=%d, want 0/1", updates.Load(), checkins.Load())
	}
	g.Unblock(ctx, "u1")
	_ = g.Publish(ctx, ExchangeUplink, "agent.u1.update", []byte(`{}`))
	if updates.Load() != 1 {
		t.Errorf("update not delivered after unblock")
	}
}

func TestGatewayBlockSharedAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	priv, _, err := GenerateKeyPair(1024)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ParsePrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	blocks := NewMemoryBlockList()
	topo := NewTopology("yc", time.Second, time.Minute)
	leader := NewGateway(NewMemory(), topo, NewSigner(key), nil, GatewayOptions{Group: "core", Blocks: blocks})
	replica := NewGateway(NewMemory(), topo, NewSigner(key), nil, GatewayOptions{Group: "core", Blocks: blocks})

	var requests atomic.Int32
	replica.Handle(QueueMissionReq, func(ctx context.Context, msg Message) error { requests.Add(1); return nil })
	if _, err := replica.EnterCommon(ctx); err != nil {
		t.Fatal(err)
	}

	if err := leader.CloseAgentConnections(ctx, "u1"); err != nil {
		t.Fatalf("CloseAgentConnections: %v", err)
	}
	if !replica.Blocked(ctx, "u1") {
		t.Fatal("block set on the leader is not visible on the replica")
	}
	_ = replica.Publish(ctx, ExchangeUplink, "agent.u1.mission_req", []byte(`{}`))
	if requests.Load() != 0 {
		t.Fatalf("replica handled %d requests from a blocked agent", requests.Load())
	}

	replica.Unblock(ctx, "u1")
	if leader.Blocked(ctx, "u1") {
		t.Error("unblock on the replica is not visible on the leader")
	}
}
