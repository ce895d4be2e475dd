package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"wanderlink/internal/constants"
	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/middleware"
	"wanderlink/internal/models"
	"wanderlink/internal/tracing"
	"wanderlink/internal/validation"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// controller is the part of the session the control API drives
type controller interface {
	SelfID() string
	Running() bool

	Connections() []models.Connection
	PendingRequests() []models.ConnectionRequest
	SendConnectionRequest(ctx context.Context, toUserID, tripID, message string) (models.ConnectionRequest, error)
	AcceptConnection(ctx context.Context, fromUserID string) error
	RejectConnection(ctx context.Context, fromUserID string) error
	DisconnectPeer(ctx context.Context, peerID string) error

	History(peerID string, limit int) []models.Message
	SendMessage(ctx context.Context, peerID, text string, attachments []models.Attachment) (models.Message, error)
	SetTyping(ctx context.Context, peerID string, typing bool) error

	PlaceCall(ctx context.Context, peerID string, callType models.CallType) (models.Call, error)
	AnswerCall(ctx context.Context, callID string) (models.Call, error)
	RejectCall(ctx context.Context, callID string) (models.Call, error)
	EndCall(ctx context.Context, callID string) (models.Call, error)
	ActiveCalls() []models.Call

	ShareLocation(ctx context.Context, loc models.Location) error
	LastLocation(ctx context.Context) (*models.Location, error)
	NearbyTravelers(ctx context.Context, maxKm float64, limit int) ([]models.Traveler, error)
	Presence(userID string) models.Presence
}

type Server struct {
	router  *mux.Router
	logger  *logrus.Logger
	session controller
	cfg     models.ControlConfig
	server  *http.Server
}

func NewServer(cfg models.ControlConfig, session controller, logger *logrus.Logger, verbose bool) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = constants.DefaultMaxBodyBytes
	}
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		session: session,
		cfg:     cfg,
	}
	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadTimeout:       constants.DefaultServerReadTimeoutSec * time.Second,
		ReadHeaderTimeout: constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout:      constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:       constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	s.router.Use(middleware.ObservabilityMiddleware(logger, cfg.TrustProxy))
	if verbose {
		s.router.Use(middleware.DetailedLoggingMiddleware(logger, middleware.DefaultDetailedLoggingConfig(), cfg.TrustProxy))
	}
	s.router.Use(s.limitBody)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	s.router.HandleFunc("/connections", s.handleListConnections()).Methods(http.MethodGet)
	s.router.HandleFunc("/connections/{peer}/request", s.handleSendRequest()).Methods(http.MethodPost)
	s.router.HandleFunc("/connections/{peer}/accept", s.handleAccept()).Methods(http.MethodPost)
	s.router.HandleFunc("/connections/{peer}/reject", s.handleReject()).Methods(http.MethodPost)
	s.router.HandleFunc("/connections/{peer}", s.handleDisconnect()).Methods(http.MethodDelete)

	s.router.HandleFunc("/rooms/{peer}/messages", s.handleHistory()).Methods(http.MethodGet)
	s.router.HandleFunc("/rooms/{peer}/messages", s.handleSendMessage()).Methods(http.MethodPost)
	s.router.HandleFunc("/rooms/{peer}/typing", s.handleTyping()).Methods(http.MethodPost)

	s.router.HandleFunc("/calls", s.handleActiveCalls()).Methods(http.MethodGet)
	s.router.HandleFunc("/calls/{id}/{action:answer|reject|end}", s.handleCallAction()).Methods(http.MethodPost)
	s.router.HandleFunc("/calls/{peer}", s.handlePlaceCall()).Methods(http.MethodPost)

	s.router.HandleFunc("/location", s.handleShareLocation()).Methods(http.MethodPost)
	s.router.HandleFunc("/location", s.handleLastLocation()).Methods(http.MethodGet)
	s.router.HandleFunc("/nearby", s.handleNearby()).Methods(http.MethodGet)
	s.router.HandleFunc("/presence/{user}", s.handlePresence()).Methods(http.MethodGet)
}

// Start serves until Shutdown. A Shutdown that happens first makes Start
// return nil without listening.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.cfg.ListenAddr).Info("Starting control API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		// chunked bodies have no length up front and are capped while reading
		if r.ContentLength >= 0 {
			if err := validation.ValidateHTTPRequestSize(r, s.cfg.MaxBodyBytes); err != nil {
				s.writeError(w, r, err)
				return
			}
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if !s.session.Running() {
			status, code = "stopped", http.StatusServiceUnavailable
		}
		s.writeJSON(w, r, code, map[string]interface{}{
			"status": status,
			"user":   s.session.SelfID(),
		})
	}
}

func (s *Server) handleListConnections() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"connections": s.session.Connections(),
			"pending":     s.session.PendingRequests(),
		})
	}
}

type connectionRequestBody struct {
	TripID  string `json:"tripId"`
	Message string `json:"message"`
}

func (s *Server) handleSendRequest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body connectionRequestBody
		if !s.decode(w, r, &body, true) {
			return
		}
		req, err := s.session.SendConnectionRequest(r.Context(), mux.Vars(r)["peer"], body.TripID, body.Message)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusCreated, req)
	}
}

func (s *Server) handleAccept() http.HandlerFunc {
	return s.peerAction(func(ctx context.Context, peer string) error {
		return s.session.AcceptConnection(ctx, peer)
	})
}

func (s *Server) handleReject() http.HandlerFunc {
	return s.peerAction(func(ctx context.Context, peer string) error {
		return s.session.RejectConnection(ctx, peer)
	})
}

func (s *Server) handleDisconnect() http.HandlerFunc {
	return s.peerAction(func(ctx context.Context, peer string) error {
		return s.session.DisconnectPeer(ctx, peer)
	})
}

func (s *Server) peerAction(fn func(ctx context.Context, peer string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context(), mux.Vars(r)["peer"]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, s.session.History(mux.Vars(r)["peer"], limit))
	}
}

type sendMessageBody struct {
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments"`
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body sendMessageBody
		if !s.decode(w, r, &body, false) {
			return
		}
		msg, err := s.session.SendMessage(r.Context(), mux.Vars(r)["peer"], body.Text, body.Attachments)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusCreated, msg)
	}
}

func (s *Server) handleTyping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := struct {
			Typing *bool `json:"typing"`
		}{}
		if !s.decode(w, r, &body, true) {
			return
		}
		typing := body.Typing == nil || *body.Typing
		if err := s.session.SetTyping(r.Context(), mux.Vars(r)["peer"], typing); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleActiveCalls() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, r, http.StatusOK, s.session.ActiveCalls())
	}
}

func (s *Server) handlePlaceCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := struct {
			CallType models.CallType `json:"callType"`
		}{}
		if !s.decode(w, r, &body, true) {
			return
		}
		if body.CallType == "" {
			body.CallType = models.CallAudio
		}
		call, err := s.session.PlaceCall(r.Context(), mux.Vars(r)["peer"], body.CallType)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusCreated, call)
	}
}

func (s *Server) handleCallAction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		var (
			call models.Call
			err  error
		)
		switch vars["action"] {
		case "answer":
			call, err = s.session.AnswerCall(r.Context(), vars["id"])
		case "reject":
			call, err = s.session.RejectCall(r.Context(), vars["id"])
		default:
			call, err = s.session.EndCall(r.Context(), vars["id"])
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, call)
	}
}

func (s *Server) handleShareLocation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var loc models.Location
		if !s.decode(w, r, &loc, false) {
			return
		}
		if err := s.session.ShareLocation(r.Context(), loc); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleLastLocation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loc, err := s.session.LastLocation(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if loc == nil {
			s.writeError(w, r, apperrors.NewNotFoundError("location", s.session.SelfID()))
			return
		}
		s.writeJSON(w, r, http.StatusOK, loc)
	}
}

func (s *Server) handleNearby() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxKm, err := queryFloat(r, "max_km", 0)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		travelers, err := s.session.NearbyTravelers(r.Context(), maxKm, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if travelers == nil {
			travelers = []models.Traveler{}
		}
		s.writeJSON(w, r, http.StatusOK, travelers)
	}
}

func (s *Server) handlePresence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, r, http.StatusOK, s.session.Presence(mux.Vars(r)["user"]))
	}
}

// decode reads a JSON body into v. An empty body is accepted when optional.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) bool {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		if optional {
			return true
		}
		s.writeError(w, r, apperrors.NewValidationError("body", "", "request body is required"))
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "request too large"))
			return false
		}
		s.writeError(w, r, apperrors.NewValidationError("body", "", "invalid JSON body"))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithFields(logrus.Fields{
			"request_id": tracing.GetRequestID(r.Context()),
			"error":      err,
		}).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := tracing.GetRequestID(r.Context())
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		tracing.RecordError(r.Context(), err)
		apperrors.FromLogrus(s.logger).LogError(err, "Control API request failed", logrus.Fields{"request_id": requestID})
	}
	s.writeJSON(w, r, status, apperrors.ToHTTPResponse(err, requestID))
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperrors.NewValidationError(key, raw, "must be a non-negative integer")
	}
	return v, nil
}

func queryFloat(r *http.Request, key string, def float64) (float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, apperrors.NewValidationError(key, raw, "must be a non-negative number")
	}
	return v, nil
}
