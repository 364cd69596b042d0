package rendezvous

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"time"

	"github.com/pion/logging"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Client carries the sealed payloads. Required.
	Client Client

	// LoggerFactory creates the publisher's logger. Defaults to the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// Publisher seals messages onto rendezvous topics. The daemon publishes
// answers and address announcements through it; the device side of the flow
// publishes offers the same way, which is how tests drive the manager.
type Publisher struct {
	client Client
	log    logging.LeveledLogger
}

// NewPublisher creates a publisher.
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	if config.Client == nil {
		return nil, errors.New("rendezvous: client required")
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Publisher{
		client: config.Client,
		log:    loggerFactory.NewLogger("rendezvous"),
	}, nil
}

// Offer describes a reconnect offer to publish. Timestamp and nonce are
// generated at publish time.
type Offer struct {
	SessionID  string
	SDP        string
	DeviceID   string
	DeviceName string
}

// PublishOffer seals a reconnect offer onto a topic.
func (p *Publisher) PublishOffer(ctx context.Context, signalingKey []byte, topic string, offer Offer) error {
	nonce := make([]byte, OfferNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	return p.publish(ctx, signalingKey, topic, &Message{
		Type:       KindOffer,
		SessionID:  offer.SessionID,
		SDP:        offer.SDP,
		DeviceID:   offer.DeviceID,
		DeviceName: offer.DeviceName,
		Timestamp:  time.Now().Unix(),
		Nonce:      nonce,
	})
}

// PublishAnswer seals an SDP answer onto a topic. A non-empty capabilities
// map is embedded as the answer's capability object.
func (p *Publisher) PublishAnswer(ctx context.Context, signalingKey []byte, topic, sessionID, sdp string, capabilities map[string]string) error {
	msg := &Message{
		Type:      KindAnswer,
		SessionID: sessionID,
		SDP:       sdp,
		Timestamp: time.Now().Unix(),
	}
	if len(capabilities) > 0 {
		raw, err := json.Marshal(capabilities)
		if err != nil {
			return err
		}
		msg.Capabilities = raw
	}
	return p.publish(ctx, signalingKey, topic, msg)
}

// AnnounceIP seals an address announcement onto a topic. Devices listening
// on their rendezvous topic learn the daemon's new address without a
// round trip.
func (p *Publisher) AnnounceIP(ctx context.Context, signalingKey []byte, topic, address string) error {
	return p.publish(ctx, signalingKey, topic, &Message{
		Type:      KindIPChange,
		Address:   address,
		Timestamp: time.Now().Unix(),
	})
}

func (p *Publisher) publish(ctx context.Context, signalingKey []byte, topic string, msg *Message) error {
	sealed, err := Seal(signalingKey, msg)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, topic, sealed); err != nil {
		return err
	}
	p.log.Debugf("published %s to topic %s", msg.Type, topic)
	return nil
}
