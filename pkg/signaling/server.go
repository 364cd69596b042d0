package signaling

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/pion/logging"

	"github.com/ras-project/ras/pkg/crypto"
	"github.com/ras-project/ras/pkg/pairing"
)

// Signed request headers.
const (
	// HeaderTimestamp carries the request's Unix timestamp in decimal
	// seconds.
	HeaderTimestamp = "X-RAS-Timestamp"
	// HeaderSignature carries the request's signaling HMAC as 64
	// lower-hex characters.
	HeaderSignature = "X-RAS-Signature"
)

// maxOfferSize bounds an SDP offer body.
const maxOfferSize = 64 * 1024

// ServerConfig configures a signaling HTTP Server.
type ServerConfig struct {
	// Endpoint handles the verified operations. Required.
	Endpoint *Endpoint

	// LoggerFactory creates the server's logger. Defaults to the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// Server is the HTTP surface over an Endpoint:
//
//	POST   /api/pair               create a pairing session
//	GET    /api/pair/{session_id}  poll pairing state
//	DELETE /api/pair/{session_id}  cancel a pairing session
//	POST   /signal/{session_id}    signed SDP offer -> SDP answer
//	POST   /reconnect/{device_id}  signed reconnect offer -> SDP answer
//	GET    /health                 liveness probe
//
// Offer and answer bodies are raw SDP, never JSON-wrapped.
type Server struct {
	endpoint *Endpoint
	log      logging.LeveledLogger
	mux      *http.ServeMux
}

// NewServer creates the HTTP surface for an endpoint.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Endpoint == nil {
		return nil, errors.New("signaling: endpoint required")
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	s := &Server{
		endpoint: config.Endpoint,
		log:      loggerFactory.NewLogger("signaling"),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /api/pair", s.handleCreatePairing)
	s.mux.HandleFunc("GET /api/pair/{session_id}", s.handlePairingState)
	s.mux.HandleFunc("DELETE /api/pair/{session_id}", s.handleCancelPairing)
	s.mux.HandleFunc("POST /signal/{session_id}", s.handleSignal)
	s.mux.HandleFunc("POST /reconnect/{device_id}", s.handleReconnect)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type qrData struct {
	MasterSecret string `json:"master_secret"`
	Payload      string `json:"payload"`
}

type createPairingResponse struct {
	SessionID string `json:"session_id"`
	QRData    qrData `json:"qr_data"`
}

type pairingStateResponse struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	DeviceName string `json:"device_name,omitempty"`
}

func (s *Server) handleCreatePairing(w http.ResponseWriter, r *http.Request) {
	session, err := s.endpoint.StartPairing()
	if err != nil {
		if errors.Is(err, pairing.ErrTooManySessions) {
			http.Error(w, "too many pairing sessions", http.StatusTooManyRequests)
			return
		}
		s.log.Errorf("create pairing: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	payload, err := session.SetupPayload()
	if err != nil {
		s.log.Errorf("encode setup payload: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, createPairingResponse{
		SessionID: session.ID(),
		QRData: qrData{
			MasterSecret: hex.EncodeToString(session.MasterSecret()),
			Payload:      payload,
		},
	})
}

func (s *Server) handlePairingState(w http.ResponseWriter, r *http.Request) {
	session, ok := s.endpoint.Session(r.PathValue("session_id"))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	_, deviceName := session.Device()
	writeJSON(w, http.StatusOK, pairingStateResponse{
		SessionID:  session.ID(),
		State:      stateString(session),
		DeviceName: deviceName,
	})
}

func (s *Server) handleCancelPairing(w http.ResponseWriter, r *http.Request) {
	err := s.endpoint.CancelPairing(r.PathValue("session_id"))
	if errors.Is(err, pairing.ErrNotFound) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	offer, timestamp, signature, ok := s.readSignedRequest(w, r)
	if !ok {
		return
	}
	answer, err := s.endpoint.AcceptOffer(r.Context(), r.PathValue("session_id"), offer, timestamp, signature)
	if err != nil {
		s.writeOfferError(w, err)
		return
	}
	writeSDP(w, answer)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	offer, timestamp, signature, ok := s.readSignedRequest(w, r)
	if !ok {
		return
	}
	answer, err := s.endpoint.AcceptReconnectOffer(r.Context(), r.PathValue("device_id"), offer, timestamp, signature)
	if err != nil {
		s.writeOfferError(w, err)
		return
	}
	writeSDP(w, answer)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

// readSignedRequest reads the raw offer body and the signature headers,
// answering 400 itself when anything is missing or malformed.
func (s *Server) readSignedRequest(w http.ResponseWriter, r *http.Request) (body []byte, timestamp int64, signature []byte, ok bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferSize))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return nil, 0, nil, false
	}
	if len(body) == 0 {
		http.Error(w, "missing offer", http.StatusBadRequest)
		return nil, 0, nil, false
	}
	timestamp, err = strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		http.Error(w, "missing or malformed "+HeaderTimestamp, http.StatusBadRequest)
		return nil, 0, nil, false
	}
	signature, err = hex.DecodeString(r.Header.Get(HeaderSignature))
	if err != nil || len(signature) != crypto.HMACSize {
		http.Error(w, "missing or malformed "+HeaderSignature, http.StatusBadRequest)
		return nil, 0, nil, false
	}
	return body, timestamp, signature, true
}

// writeOfferError maps endpoint errors onto the HTTP statuses of the signal
// surface.
func (s *Server) writeOfferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pairing.ErrNotFound), errors.Is(err, ErrUnknownDevice):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrBadSignature), errors.Is(err, ErrClockSkew):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, pairing.ErrOfferInFlight),
		errors.Is(err, pairing.ErrInvalidTransition),
		errors.Is(err, ErrReconnectInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrExchangeTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		s.log.Errorf("offer handling: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// stateString maps a session's lifecycle state onto the polling vocabulary.
func stateString(session *pairing.Session) string {
	switch session.State() {
	case pairing.StateQRDisplayed:
		return "pending"
	case pairing.StateSignaling, pairing.StateConnecting:
		return "signaling"
	case pairing.StateAuthenticating:
		return "authenticating"
	case pairing.StateAuthenticated:
		return "completed"
	case pairing.StateFailed:
		if errors.Is(session.FailCause(), pairing.ErrExpired) {
			return "expired"
		}
		return "failed"
	default:
		return "pending"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSDP(w http.ResponseWriter, answer string) {
	w.Header().Set("Content-Type", "application/sdp")
	_, _ = w.Write([]byte(answer))
}
