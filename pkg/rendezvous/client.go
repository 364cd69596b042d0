package rendezvous

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/logging"
)

// Client is a rendezvous pub/sub transport. Implementations carry opaque
// payloads; all confidentiality comes from the envelope layer above.
type Client interface {
	// Subscribe streams messages published to topic, invoking handler
	// synchronously for each one, until ctx is canceled or the stream
	// breaks. The returned error is ctx.Err() after cancellation and the
	// stream failure otherwise.
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error

	// Publish posts one payload to topic.
	Publish(ctx context.Context, topic string, payload []byte) error
}

// DefaultBaseURL is the public ntfy instance.
const DefaultBaseURL = "https://ntfy.sh"

// subscribeBufferSize is the line buffer ceiling for the ntfy JSON stream.
// Offers carry base64 SDP and fit comfortably below it.
const subscribeBufferSize = 1 << 20

// HTTPClientConfig configures an ntfy HTTP client.
type HTTPClientConfig struct {
	// BaseURL is the ntfy server. Empty selects DefaultBaseURL.
	BaseURL string

	// HTTPClient overrides the underlying client. The default carries no
	// global timeout; subscribe streams are bounded by their context.
	HTTPClient *http.Client

	// LoggerFactory creates the client's logger. Defaults to the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// HTTPClient is the ntfy-backed Client. Subscriptions use ntfy's streaming
// JSON endpoint (GET {base}/{topic}/json); publishes POST the payload to
// {base}/{topic}.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	log     logging.LeveledLogger
}

// NewHTTPClient creates an ntfy client.
func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  client,
		log:     loggerFactory.NewLogger("rendezvous"),
	}
}

// streamEvent is one line of the ntfy JSON stream. Only message events carry
// a payload; open and keepalive events are skipped.
type streamEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Subscribe implements Client.
func (c *HTTPClient) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.topicURL(topic)+"/json", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubscribe, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrSubscribe, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %s", ErrSubscribe, resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), subscribeBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			c.log.Tracef("topic %s: skipping unparseable stream line", topic)
			continue
		}
		if ev.Event != "message" || ev.Message == "" {
			continue
		}
		handler([]byte(ev.Message))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSubscribe, err)
	}
	// The server ended the stream cleanly; callers resubscribe.
	return fmt.Errorf("%w: stream ended", ErrSubscribe)
}

// Publish implements Client.
func (c *HTTPClient) Publish(ctx context.Context, topic string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.topicURL(topic), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: status %s", ErrPublish, resp.Status)
	}
	return nil
}

func (c *HTTPClient) topicURL(topic string) string {
	return c.baseURL + "/" + url.PathEscape(topic)
}

var _ Client = (*HTTPClient)(nil)
