package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ras-project/ras/pkg/auth"
	"github.com/ras-project/ras/pkg/crypto"
	"github.com/ras-project/ras/pkg/device"
	"github.com/ras-project/ras/pkg/signaling"
	"github.com/ras-project/ras/pkg/transport"
)

const testOfferSDP = "v=0\r\no=- 0 0 IN IP4 198.51.100.4\r\ns=offer\r\n"

// managerEnv wires a manager to a loopback rendezvous service and a pipe
// transport factory.
type managerEnv struct {
	client  *LoopbackClient
	factory *transport.PipeFactory
	manager *Manager
	events  chan signaling.ConnectedEvent

	mu    sync.Mutex
	auths map[string]*auth.Authenticator
}

func newManagerEnv(t *testing.T, mutate func(*ManagerConfig)) *managerEnv {
	t.Helper()

	env := &managerEnv{
		client:  NewLoopbackClient(),
		factory: transport.NewPipeFactory(),
		events:  make(chan signaling.ConnectedEvent, 4),
		auths:   make(map[string]*auth.Authenticator),
	}
	config := ManagerConfig{
		Client:              env.client,
		Factory:             env.factory,
		Authenticators:      env.resolve,
		OnDeviceReconnected: func(ev signaling.ConnectedEvent) { env.events <- ev },
		ConnectTimeout:      2 * time.Second,
		BackoffFloor:        5 * time.Millisecond,
		BackoffCeiling:      20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&config)
	}
	manager, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	env.manager = manager
	t.Cleanup(func() {
		if env.manager.Running() {
			_ = env.manager.Stop()
		}
	})
	return env
}

func (env *managerEnv) resolve(deviceID string) (*auth.Authenticator, bool) {
	env.mu.Lock()
	defer env.mu.Unlock()
	a, ok := env.auths[deviceID]
	return a, ok
}

// testDevice bundles a paired device with its derived material.
type testDevice struct {
	dev          *device.Device
	topic        string
	authKey      []byte
	signalingKey []byte
}

// pairDevice fabricates a paired device and registers its authenticator.
func (env *managerEnv) pairDevice(t *testing.T, id, name string) testDevice {
	t.Helper()
	secret, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error: %v", err)
	}
	topic, err := crypto.RendezvousTopic(secret)
	if err != nil {
		t.Fatalf("RendezvousTopic() error: %v", err)
	}
	bundle, err := crypto.DeriveBundle(secret)
	if err != nil {
		t.Fatalf("DeriveBundle() error: %v", err)
	}
	a, err := auth.NewAuthenticator(auth.AuthenticatorConfig{AuthKey: bundle.AuthKey})
	if err != nil {
		t.Fatalf("NewAuthenticator() error: %v", err)
	}
	env.mu.Lock()
	env.auths[id] = a
	env.mu.Unlock()

	return testDevice{
		dev:          &device.Device{ID: id, Name: name, MasterSecret: secret},
		topic:        topic,
		authKey:      bundle.AuthKey,
		signalingKey: bundle.SignalingKey,
	}
}

// publishOffer plays the device side: seal and publish a reconnect offer.
func (env *managerEnv) publishOffer(t *testing.T, td testDevice, sessionID string) {
	t.Helper()
	pub, err := NewPublisher(PublisherConfig{Client: env.client})
	if err != nil {
		t.Fatalf("NewPublisher() error: %v", err)
	}
	err = pub.PublishOffer(context.Background(), td.signalingKey, td.topic, Offer{
		SessionID:  sessionID,
		SDP:        testOfferSDP,
		DeviceID:   td.dev.ID,
		DeviceName: td.dev.Name,
	})
	if err != nil {
		t.Fatalf("PublishOffer() error: %v", err)
	}
}

// captureAnswers subscribes to the device's topic and collects decrypted
// answers.
func (env *managerEnv) captureAnswers(t *testing.T, td testDevice) <-chan *Message {
	t.Helper()
	answers := make(chan *Message, 4)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = env.client.Subscribe(ctx, td.topic, func(payload []byte) {
			if msg, err := Open(td.signalingKey, payload); err == nil && msg.Type == KindAnswer {
				answers <- msg
			}
		})
	}()
	return answers
}

func (env *managerEnv) waitSubscribers(t *testing.T, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.client.Subscribers(topic) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("topic %s has %d subscribers, want %d", topic, env.client.Subscribers(topic), want)
}

// deviceEnd is the device side of a negotiated pipe with its inbound queue
// installed before the daemon can send anything.
type deviceEnd struct {
	remote *transport.PipePeer
	queue  chan []byte
}

func expectRemote(factory *transport.PipeFactory) <-chan deviceEnd {
	endCh := make(chan deviceEnd, 4)
	factory.OnRemote(func(remote *transport.PipePeer) {
		queue := make(chan []byte, 16)
		remote.OnMessage(func(data []byte) { queue <- data })
		endCh <- deviceEnd{remote: remote, queue: queue}
	})
	return endCh
}

func runResponder(end deviceEnd, authKey []byte, deviceID, deviceName string) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		responder, err := auth.NewResponder(auth.ResponderConfig{
			AuthKey:    authKey,
			DeviceID:   deviceID,
			DeviceName: deviceName,
		})
		if err != nil {
			errCh <- err
			return
		}
		recv := func(ctx context.Context) ([]byte, error) {
			select {
			case data := <-end.queue:
				return data, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		errCh <- responder.Run(context.Background(), end.remote.Send, recv)
	}()
	return errCh
}

func TestManagerReconnectFlow(t *testing.T) {
	env := newManagerEnv(t, nil)
	td := env.pairDevice(t, "phone-1", "Alice")

	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := env.manager.AddDevice(td.dev); err != nil {
		t.Fatalf("AddDevice() error: %v", err)
	}
	env.waitSubscribers(t, td.topic, 1)

	answers := env.captureAnswers(t, td)
	env.waitSubscribers(t, td.topic, 2)
	endCh := expectRemote(env.factory)

	env.publishOffer(t, td, "s-1")

	var end deviceEnd
	select {
	case end = <-endCh:
	case <-time.After(2 * time.Second):
		t.Fatal("offer never produced a peer")
	}
	responderErr := runResponder(end, td.authKey, "phone-1", "Alice")

	select {
	case answer := <-answers:
		if !strings.Contains(answer.SDP, "pipe-answer") {
			t.Errorf("answer SDP = %q", answer.SDP)
		}
		if answer.SessionID != "s-1" {
			t.Errorf("answer session = %q, want s-1", answer.SessionID)
		}
		if answer.Capabilities != nil {
			t.Errorf("capabilities present without a provider: %s", answer.Capabilities)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("answer never published")
	}

	select {
	case ev := <-env.events:
		if !ev.Reconnect || ev.DeviceID != "phone-1" || ev.DeviceName != "Alice" {
			t.Errorf("event = %+v", ev)
		}
		if !bytes.Equal(ev.Keys.AuthKey, td.authKey) {
			t.Error("event keys not derived from the device secret")
		}
		if got := ev.Conn.Owner(); got != transport.OwnerConnectionManager {
			t.Errorf("conn owner = %s, want %s", got, transport.OwnerConnectionManager)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDeviceReconnected never fired")
	}
	if err := <-responderErr; err != nil {
		t.Fatalf("responder error: %v", err)
	}
}

func TestManagerAnswerCarriesCapabilities(t *testing.T) {
	env := newManagerEnv(t, func(config *ManagerConfig) {
		config.Capabilities = func() map[string]string {
			return map[string]string{"udp_addr": "100.64.0.7:7777"}
		}
	})
	td := env.pairDevice(t, "phone-1", "Alice")
	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := env.manager.AddDevice(td.dev); err != nil {
		t.Fatalf("AddDevice() error: %v", err)
	}
	env.waitSubscribers(t, td.topic, 1)

	answers := env.captureAnswers(t, td)
	env.waitSubscribers(t, td.topic, 2)
	endCh := expectRemote(env.factory)
	env.publishOffer(t, td, "s-1")

	end := <-endCh
	responderErr := runResponder(end, td.authKey, "phone-1", "Alice")

	select {
	case answer := <-answers:
		var caps map[string]string
		if err := json.Unmarshal(answer.Capabilities, &caps); err != nil {
			t.Fatalf("capabilities not JSON: %v", err)
		}
		if caps["udp_addr"] != "100.64.0.7:7777" {
			t.Errorf("capabilities = %v", caps)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("answer never published")
	}
	if err := <-responderErr; err != nil {
		t.Fatalf("responder error: %v", err)
	}
}

func TestManagerSurvivesGarbage(t *testing.T) {
	env := newManagerEnv(t, nil)
	td := env.pairDevice(t, "phone-1", "Alice")
	if err := env.manager.AddDevice(td.dev); err != nil {
		t.Fatalf("AddDevice() error: %v", err)
	}
	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	env.waitSubscribers(t, td.topic, 1)
	endCh := expectRemote(env.factory)

	ctx := context.Background()
	otherKey := testSignalingKey(t)
	freshNonce := func(b byte) []byte { return bytes.Repeat([]byte{b}, OfferNonceSize) }
	seal := func(key []byte, msg *Message) []byte {
		sealed, err := Seal(key, msg)
		if err != nil {
			t.Fatalf("Seal() error: %v", err)
		}
		return sealed
	}

	// None of these may produce a peer, and none may kill the subscriber.
	_ = env.client.Publish(ctx, td.topic, []byte("!!! not an envelope !!!"))
	_ = env.client.Publish(ctx, td.topic, seal(otherKey, &Message{
		Type: KindOffer, SDP: testOfferSDP, DeviceID: "phone-1",
		Timestamp: time.Now().Unix(), Nonce: freshNonce(1),
	}))
	_ = env.client.Publish(ctx, td.topic, seal(td.signalingKey, &Message{
		Type: KindOffer, SDP: testOfferSDP, DeviceID: "phone-1",
		Timestamp: time.Now().Add(-10 * time.Minute).Unix(), Nonce: freshNonce(2),
	}))
	_ = env.client.Publish(ctx, td.topic, seal(td.signalingKey, &Message{
		Type: KindOffer, SDP: testOfferSDP, DeviceID: "someone-else",
		Timestamp: time.Now().Unix(), Nonce: freshNonce(3),
	}))
	_ = env.client.Publish(ctx, td.topic, seal(td.signalingKey, &Message{
		Type: KindOffer, SDP: testOfferSDP, DeviceID: "phone-1",
		Timestamp: time.Now().Unix(), Nonce: []byte{1, 2, 3},
	}))

	select {
	case <-endCh:
		t.Fatal("a dropped offer produced a peer")
	case <-time.After(150 * time.Millisecond):
	}

	// The subscriber is still alive: a valid offer goes through.
	env.publishOffer(t, td, "s-ok")
	select {
	case end := <-endCh:
		responderErr := runResponder(end, td.authKey, "phone-1", "Alice")
		select {
		case <-env.events:
		case <-time.After(2 * time.Second):
			t.Fatal("OnDeviceReconnected never fired after garbage")
		}
		if err := <-responderErr; err != nil {
			t.Fatalf("responder error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid offer after garbage never produced a peer")
	}
}

func TestManagerDropsReplayedOffer(t *testing.T) {
	env := newManagerEnv(t, nil)
	td := env.pairDevice(t, "phone-1", "Alice")
	if err := env.manager.AddDevice(td.dev); err != nil {
		t.Fatalf("AddDevice() error: %v", err)
	}
	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	env.waitSubscribers(t, td.topic, 1)
	endCh := expectRemote(env.factory)

	sealed, err := Seal(td.signalingKey, &Message{
		Type:      KindOffer,
		SessionID: "s-1",
		SDP:       testOfferSDP,
		DeviceID:  "phone-1",
		Timestamp: time.Now().Unix(),
		Nonce:     bytes.Repeat([]byte{0x07}, OfferNonceSize),
	})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	_ = env.client.Publish(context.Background(), td.topic, sealed)
	end := <-endCh
	responderErr := runResponder(end, td.authKey, "phone-1", "Alice")
	select {
	case <-env.events:
	case <-time.After(2 * time.Second):
		t.Fatal("first offer never completed")
	}
	if err := <-responderErr; err != nil {
		t.Fatalf("responder error: %v", err)
	}

	// Replaying the exact same envelope hits the nonce cache.
	_ = env.client.Publish(context.Background(), td.topic, sealed)
	select {
	case <-endCh:
		t.Fatal("replayed offer produced a peer")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestManagerSingleReconnectInFlight(t *testing.T) {
	env := newManagerEnv(t, func(config *ManagerConfig) {
		config.ConnectTimeout = 100 * time.Millisecond
	})
	td := env.pairDevice(t, "phone-1", "Alice")
	if err := env.manager.AddDevice(td.dev); err != nil {
		t.Fatalf("AddDevice() error: %v", err)
	}
	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	env.waitSubscribers(t, td.topic, 1)

	// Held-open peers keep the first reconnect in flight.
	env.factory.SetHoldOpen(true)
	endCh := expectRemote(env.factory)

	env.publishOffer(t, td, "s-1")
	select {
	case <-endCh:
	case <-time.After(2 * time.Second):
		t.Fatal("first offer never produced a peer")
	}

	env.publishOffer(t, td, "s-2")
	select {
	case <-endCh:
		t.Fatal("second offer accepted while a reconnect was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// Once the held reconnect times out, the slot frees up.
	deadline := time.Now().Add(3 * time.Second)
	for {
		env.publishOffer(t, td, "s-3")
		select {
		case <-endCh:
			return
		case <-time.After(100 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("reconnect slot never freed after timeout")
		}
	}
}

func TestManagerRemoveDeviceStopsSubscriber(t *testing.T) {
	env := newManagerEnv(t, nil)
	td := env.pairDevice(t, "phone-1", "Alice")
	if err := env.manager.AddDevice(td.dev); err != nil {
		t.Fatalf("AddDevice() error: %v", err)
	}
	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	env.waitSubscribers(t, td.topic, 1)
	endCh := expectRemote(env.factory)

	if !env.manager.RemoveDevice("phone-1") {
		t.Fatal("RemoveDevice() = false for known device")
	}
	env.waitSubscribers(t, td.topic, 0)

	env.publishOffer(t, td, "s-1")
	select {
	case <-endCh:
		t.Fatal("offer for removed device produced a peer")
	case <-time.After(150 * time.Millisecond):
	}

	if env.manager.RemoveDevice("phone-1") {
		t.Error("RemoveDevice() = true for unknown device")
	}
}

func TestManagerStartStop(t *testing.T) {
	env := newManagerEnv(t, nil)
	td := env.pairDevice(t, "phone-1", "Alice")

	// Devices added before Start are not subscribed yet.
	if err := env.manager.AddDevice(td.dev); err != nil {
		t.Fatalf("AddDevice() error: %v", err)
	}
	if got := env.client.Subscribers(td.topic); got != 0 {
		t.Fatalf("subscribers before Start = %d", got)
	}

	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := env.manager.Start(); !errors.Is(err, ErrManagerState) {
		t.Errorf("second Start() error = %v, want ErrManagerState", err)
	}
	env.waitSubscribers(t, td.topic, 1)

	if err := env.manager.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if got := env.client.Subscribers(td.topic); got != 0 {
		t.Errorf("subscribers after Stop = %d", got)
	}
	if err := env.manager.Stop(); !errors.Is(err, ErrManagerState) {
		t.Errorf("second Stop() error = %v, want ErrManagerState", err)
	}
}

// flakyClient refuses the first N subscribe attempts.
type flakyClient struct {
	*LoopbackClient
	mu       sync.Mutex
	failures int
}

func (f *flakyClient) Subscribe(ctx context.Context, topic string, handler func([]byte)) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("transient stream failure")
	}
	f.mu.Unlock()
	return f.LoopbackClient.Subscribe(ctx, topic, handler)
}

func TestManagerResubscribesAfterStreamFailure(t *testing.T) {
	flaky := &flakyClient{LoopbackClient: NewLoopbackClient(), failures: 3}
	env := newManagerEnv(t, func(config *ManagerConfig) {
		config.Client = flaky
		config.BackoffFloor = 1 * time.Millisecond
		config.BackoffCeiling = 5 * time.Millisecond
	})
	td := env.pairDevice(t, "phone-1", "Alice")
	if err := env.manager.AddDevice(td.dev); err != nil {
		t.Fatalf("AddDevice() error: %v", err)
	}
	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// The loopback only registers a subscription once the flaky failures
	// are exhausted.
	deadline := time.Now().Add(2 * time.Second)
	for flaky.Subscribers(td.topic) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never recovered from stream failures")
		}
		time.Sleep(5 * time.Millisecond)
	}

	endCh := expectRemote(env.factory)
	env.publishOffer(t, td, "s-1")
	end := <-endCh
	responderErr := runResponder(end, td.authKey, "phone-1", "Alice")
	select {
	case <-env.events:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDeviceReconnected never fired after resubscribe")
	}
	if err := <-responderErr; err != nil {
		t.Fatalf("responder error: %v", err)
	}
}

func TestManagerAuthFailureClosesPeer(t *testing.T) {
	env := newManagerEnv(t, nil)
	td := env.pairDevice(t, "phone-1", "Alice")
	if err := env.manager.AddDevice(td.dev); err != nil {
		t.Fatalf("AddDevice() error: %v", err)
	}
	if err := env.manager.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	env.waitSubscribers(t, td.topic, 1)
	endCh := expectRemote(env.factory)

	env.publishOffer(t, td, "s-1")
	end := <-endCh
	wrongKey := bytes.Repeat([]byte{0xEE}, 32)
	responderErr := runResponder(end, wrongKey, "phone-1", "Mallory")
	if err := <-responderErr; !errors.Is(err, auth.ErrInvalidHMAC) {
		t.Fatalf("responder error = %v, want auth.ErrInvalidHMAC", err)
	}

	select {
	case ev := <-env.events:
		t.Fatalf("OnDeviceReconnected fired for failed auth: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}

	// The transport ends up closed and the slot frees for another try.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := end.remote.Send([]byte("x")); errors.Is(err, transport.ErrClosed) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("transport never closed after failed auth")
		}
		time.Sleep(5 * time.Millisecond)
	}
	env.publishOffer(t, td, "s-2")
	select {
	case <-endCh:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect slot never freed after failed auth")
	}
}
