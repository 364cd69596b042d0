// Package integration contains end-to-end tests for the daemon.
//
// These tests exercise the real WebRTC transport: a simulated phone runs its
// own pion PeerConnection, pairs through the HTTP signaling surface or the
// rendezvous channel, and exchanges encrypted messages with the daemon over
// an open data channel.
package integration

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ras-project/ras/pkg/auth"
	"github.com/ras-project/ras/pkg/crypto"
	"github.com/ras-project/ras/pkg/daemon"
	"github.com/ras-project/ras/pkg/device"
	"github.com/ras-project/ras/pkg/discovery"
	"github.com/ras-project/ras/pkg/message"
	"github.com/ras-project/ras/pkg/rendezvous"
	"github.com/ras-project/ras/pkg/signaling"
	"github.com/ras-project/ras/pkg/transport"
)

// connectedCall captures one OnDeviceConnected invocation.
type connectedCall struct {
	deviceID  string
	name      string
	reconnect bool
}

// daemonEnv is a running daemon on loopback with the real WebRTC transport.
// The rendezvous client and the mDNS responder are in-process fakes.
type daemonEnv struct {
	daemon *daemon.Daemon
	client *rendezvous.LoopbackClient
	store  *device.MemoryStore

	connected chan connectedCall
}

func startDaemon(t *testing.T) *daemonEnv {
	t.Helper()

	// Host candidates are enough on loopback and keep the test hermetic.
	factory, err := transport.NewWebRTCFactory(transport.WebRTCFactoryConfig{})
	if err != nil {
		t.Fatalf("NewWebRTCFactory() error: %v", err)
	}

	env := &daemonEnv{
		client:    rendezvous.NewLoopbackClient(),
		store:     device.NewMemoryStore(),
		connected: make(chan connectedCall, 4),
	}
	d, err := daemon.New(daemon.Config{
		Name:              "e2e-daemon",
		ListenAddr:        "127.0.0.1:0",
		Store:             env.store,
		TransportFactory:  factory,
		RendezvousClient:  env.client,
		MDNSServerFactory: discovery.NewMockServerFactory(),
		OnDeviceConnected: func(deviceID, deviceName string, reconnect bool) {
			env.connected <- connectedCall{deviceID: deviceID, name: deviceName, reconnect: reconnect}
		},
	})
	if err != nil {
		t.Fatalf("daemon.New() error: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start() error: %v", err)
	}
	t.Cleanup(func() {
		if d.State() != daemon.StateStopped {
			_ = d.Stop()
		}
	})
	env.daemon = d
	return env
}

func (env *daemonEnv) baseURL(t *testing.T) string {
	t.Helper()
	addr := env.daemon.BoundAddr()
	if addr == nil {
		t.Fatal("daemon has no bound address")
	}
	return "http://" + addr.String()
}

// phone is the device side of a WebRTC session: a peer connection carrying
// the control channel, with the inbound queue installed before it can open.
type phone struct {
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	queue chan []byte
	open  chan struct{}
}

func newPhone(t *testing.T) *phone {
	t.Helper()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection() error: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	dc, err := pc.CreateDataChannel("ras", nil)
	if err != nil {
		t.Fatalf("CreateDataChannel() error: %v", err)
	}

	p := &phone{
		pc:    pc,
		dc:    dc,
		queue: make(chan []byte, 16),
		open:  make(chan struct{}),
	}
	dc.OnOpen(func() { close(p.open) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { p.queue <- msg.Data })
	return p
}

// offer produces the phone's offer with candidate gathering complete, so the
// whole SDP travels in one signaling message.
func (p *phone) offer(t *testing.T) string {
	t.Helper()

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer() error: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription() error: %v", err)
	}
	select {
	case <-gathered:
	case <-time.After(10 * time.Second):
		t.Fatal("candidate gathering never completed")
	}
	return p.pc.LocalDescription().SDP
}

func (p *phone) accept(t *testing.T, answerSDP string) {
	t.Helper()
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription() error: %v", err)
	}
}

func (p *phone) waitOpen(t *testing.T) {
	t.Helper()
	select {
	case <-p.open:
	case <-time.After(10 * time.Second):
		t.Fatal("data channel never opened")
	}
}

// handshake authenticates the phone over the open data channel.
func (p *phone) handshake(t *testing.T, authKey []byte, deviceID, deviceName string) {
	t.Helper()

	responder, err := auth.NewResponder(auth.ResponderConfig{
		AuthKey:    authKey,
		DeviceID:   deviceID,
		DeviceName: deviceName,
	})
	if err != nil {
		t.Fatalf("NewResponder() error: %v", err)
	}
	recv := func(ctx context.Context) ([]byte, error) {
		select {
		case data := <-p.queue:
			return data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := responder.Run(ctx, p.dc.Send, recv); err != nil {
		t.Fatalf("handshake error: %v", err)
	}
}

// postSignedOffer sends a signed SDP offer and returns the answer body.
func postSignedOffer(t *testing.T, env *daemonEnv, path string, authKey []byte, signedID, offerSDP string) string {
	t.Helper()

	body := []byte(offerSDP)
	now := time.Now().Unix()
	sig := crypto.SignalingHMAC(authKey, signedID, now, body)

	req, err := http.NewRequest(http.MethodPost, env.baseURL(t)+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("building offer request: %v", err)
	}
	req.Header.Set(signaling.HeaderTimestamp, strconv.FormatInt(now, 10))
	req.Header.Set(signaling.HeaderSignature, hex.EncodeToString(sig))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error: %v", path, err)
	}
	defer resp.Body.Close()
	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading answer: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s status = %d, body %q", path, resp.StatusCode, answer)
	}
	return string(answer)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func recvEnvelope(t *testing.T, queue chan []byte) []byte {
	t.Helper()
	select {
	case data := <-queue:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope from the daemon")
		return nil
	}
}

func expectConnected(t *testing.T, env *daemonEnv) connectedCall {
	t.Helper()
	select {
	case call := <-env.connected:
		return call
	case <-time.After(10 * time.Second):
		t.Fatal("OnDeviceConnected never fired")
		return connectedCall{}
	}
}

// TestE2E_WebRTCPairing pairs a phone with the daemon over a real data
// channel and exchanges encrypted messages both ways.
func TestE2E_WebRTCPairing(t *testing.T) {
	env := startDaemon(t)

	// Start a pairing session over the local HTTP surface.
	resp, err := http.Post(env.baseURL(t)+"/api/pair", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/pair error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/pair status = %d", resp.StatusCode)
	}
	var created struct {
		SessionID string `json:"session_id"`
		QRData    struct {
			MasterSecret string `json:"master_secret"`
		} `json:"qr_data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decoding pairing response: %v", err)
	}
	secret, err := hex.DecodeString(created.QRData.MasterSecret)
	if err != nil {
		t.Fatalf("decoding master secret: %v", err)
	}
	bundle, err := crypto.DeriveBundle(secret)
	if err != nil {
		t.Fatalf("DeriveBundle() error: %v", err)
	}

	// The phone posts its signed offer and applies the daemon's answer.
	ph := newPhone(t)
	answer := postSignedOffer(t, env, "/signal/"+created.SessionID, bundle.AuthKey, created.SessionID, ph.offer(t))
	if !strings.HasPrefix(answer, "v=0") {
		t.Fatalf("answer does not look like SDP: %.40q", answer)
	}
	ph.accept(t, answer)
	ph.waitOpen(t)
	t.Log("Data channel open")

	ph.handshake(t, bundle.AuthKey, "phone-1", "Alice")
	call := expectConnected(t, env)
	if call.deviceID != "phone-1" || call.name != "Alice" || call.reconnect {
		t.Fatalf("connected callback = %+v, want a fresh phone-1 connection", call)
	}

	codec, err := message.NewCodec(message.CodecConfig{Key: bundle.EncryptKey})
	if err != nil {
		t.Fatalf("NewCodec() error: %v", err)
	}

	// Daemon to phone.
	notice, err := message.New("notice", map[string]string{"text": "hello"})
	if err != nil {
		t.Fatalf("message.New() error: %v", err)
	}
	if err := env.daemon.Send("phone-1", notice); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	decoded, err := codec.Decode(recvEnvelope(t, ph.queue))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if decoded.Type != "notice" {
		t.Errorf("message type = %q, want notice", decoded.Type)
	}

	// Phone to daemon.
	execCh := make(chan *message.Message, 1)
	err = env.daemon.RegisterHandler("exec", func(_ context.Context, deviceID string, msg *message.Message) {
		if deviceID == "phone-1" {
			execCh <- msg
		}
	})
	if err != nil {
		t.Fatalf("RegisterHandler() error: %v", err)
	}
	exec, err := message.New("exec", map[string]string{"cmd": "uptime"})
	if err != nil {
		t.Fatalf("message.New() error: %v", err)
	}
	envelope, err := codec.Encode(exec)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if err := ph.dc.Send(envelope); err != nil {
		t.Fatalf("dc.Send() error: %v", err)
	}
	select {
	case got := <-execCh:
		var body struct {
			Cmd string `json:"cmd"`
		}
		if err := got.DecodePayload(&body); err != nil {
			t.Fatalf("DecodePayload() error: %v", err)
		}
		if body.Cmd != "uptime" {
			t.Errorf("payload cmd = %q, want uptime", body.Cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never invoked")
	}
}

// TestE2E_WebRTCReconnect reconnects a previously paired phone through the
// rendezvous channel, with real SDP in the sealed envelopes.
func TestE2E_WebRTCReconnect(t *testing.T) {
	env := startDaemon(t)

	secret, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error: %v", err)
	}
	if err := env.daemon.Devices().Add(&device.Device{ID: "phone-9", Name: "Kim", MasterSecret: secret}); err != nil {
		t.Fatalf("Devices().Add() error: %v", err)
	}
	bundle, err := crypto.DeriveBundle(secret)
	if err != nil {
		t.Fatalf("DeriveBundle() error: %v", err)
	}
	topic, err := crypto.RendezvousTopic(secret)
	if err != nil {
		t.Fatalf("RendezvousTopic() error: %v", err)
	}
	waitFor(t, func() bool { return env.client.Subscribers(topic) == 1 },
		"daemon never subscribed to the reconnect topic")

	// Phone side: listen for the answer, then publish a sealed offer with a
	// real SDP inside.
	answers := make(chan *rendezvous.Message, 4)
	listenCtx, cancelListen := context.WithCancel(context.Background())
	t.Cleanup(cancelListen)
	go func() {
		_ = env.client.Subscribe(listenCtx, topic, func(data []byte) {
			msg, err := rendezvous.Open(bundle.SignalingKey, data)
			if err != nil || msg.Type != rendezvous.KindAnswer {
				return
			}
			answers <- msg
		})
	}()
	waitFor(t, func() bool { return env.client.Subscribers(topic) == 2 },
		"phone listener never subscribed")

	ph := newPhone(t)
	publisher, err := rendezvous.NewPublisher(rendezvous.PublisherConfig{Client: env.client})
	if err != nil {
		t.Fatalf("NewPublisher() error: %v", err)
	}
	sessionID, err := crypto.ReconnectSessionID(secret)
	if err != nil {
		t.Fatalf("ReconnectSessionID() error: %v", err)
	}
	err = publisher.PublishOffer(context.Background(), bundle.SignalingKey, topic, rendezvous.Offer{
		SessionID: sessionID,
		SDP:       ph.offer(t),
		DeviceID:  "phone-9",
	})
	if err != nil {
		t.Fatalf("PublishOffer() error: %v", err)
	}

	var answer *rendezvous.Message
	select {
	case answer = <-answers:
	case <-time.After(10 * time.Second):
		t.Fatal("no answer on the rendezvous topic")
	}
	if answer.SessionID != sessionID {
		t.Errorf("answer session = %q, want %q", answer.SessionID, sessionID)
	}
	ph.accept(t, answer.SDP)
	ph.waitOpen(t)
	t.Log("Data channel open")

	ph.handshake(t, bundle.AuthKey, "phone-9", "Kim")
	call := expectConnected(t, env)
	if call.deviceID != "phone-9" || !call.reconnect {
		t.Fatalf("connected callback = %+v, want a phone-9 reconnect", call)
	}
	waitFor(t, func() bool { return env.daemon.Connections().IsConnected("phone-9") },
		"phone never registered with the connection manager")

	// One round trip proves the channel.
	codec, err := message.NewCodec(message.CodecConfig{Key: bundle.EncryptKey})
	if err != nil {
		t.Fatalf("NewCodec() error: %v", err)
	}
	ping, err := message.New("ping", nil)
	if err != nil {
		t.Fatalf("message.New() error: %v", err)
	}
	if err := env.daemon.Send("phone-9", ping); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	decoded, err := codec.Decode(recvEnvelope(t, ph.queue))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if decoded.Type != "ping" {
		t.Errorf("message type = %q, want ping", decoded.Type)
	}
}
