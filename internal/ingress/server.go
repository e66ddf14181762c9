package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/iaasstore/restmailer/internal/config"
	"github.com/iaasstore/restmailer/internal/message"
	"github.com/iaasstore/restmailer/internal/queue"
	"github.com/iaasstore/restmailer/internal/runtime"
)

// Deliverer runs the delivery engine for a registered job.
type Deliverer interface {
	Deliver(ctx context.Context, guid string) bool
}

// Server is the HTTP ingress. It validates submissions, registers them
// and hands them to the delivery engine, synchronously for
// /message/send and through the work queue for /message/async-send.
type Server struct {
	cfg      *config.Config
	registry *runtime.Registry
	deliver  Deliverer
	sendQ    queue.GenericWorkQueue[*queue.SendJob]
	auth     *Authenticator
	logger   *slog.Logger

	httpSrv *http.Server
}

func NewServer(
	logger *slog.Logger,
	cfg *config.Config,
	registry *runtime.Registry,
	deliver Deliverer,
	sendQ queue.GenericWorkQueue[*queue.SendJob],
) (*Server, error) {
	auth, err := NewAuthenticator(logger, cfg.Http.Tokens())
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		deliver:  deliver,
		sendQ:    sendQ,
		auth:     auth,
		logger:   logger,
	}
	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Http.ListenHost, strconv.Itoa(cfg.Http.ListenPort)),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleNotFound)

	r.Get("/", s.handleRoot)
	r.Get("/docs", s.handleDocs)

	r.Route("/message", func(r chi.Router) {
		r.NotFound(s.handleNotFound)
		r.MethodNotAllowed(s.handleNotFound)
		r.Get("/{guid}", s.requireAuth(s.handleGetMessage))
		r.With(s.bodyCap).Post("/send", s.requireAuth(s.handleSend))
		r.With(s.bodyCap).Post("/async-send", s.requireAuth(s.handleAsyncSend))
	})
	return r
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Authorize(r.Header.Get("Authorization")) {
			s.writeText(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) bodyCap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		maxBody := s.cfg.Http.MaxBody
		if r.ContentLength > maxBody {
			s.writeText(w, http.StatusBadRequest,
				fmt.Sprintf("Max body is reached: %d > %d", r.ContentLength, maxBody))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeText(w, http.StatusOK, "restmailer is serving requests")
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	s.writeText(w, http.StatusNotFound, "Method not found")
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	item, exists := s.registry.Get(guid)
	if !exists {
		s.writeText(w, http.StatusNotFound, fmt.Sprintf("Task with guid %s not found", guid))
		return
	}
	s.writeJson(w, http.StatusOK, item.Redacted())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	guid, ok := s.acceptSubmission(w, r)
	if !ok {
		return
	}
	sent := s.deliver.Deliver(r.Context(), guid)
	status := http.StatusOK
	if !sent {
		status = http.StatusTeapot
	}
	s.respondItem(w, status, guid)
}

func (s *Server) handleAsyncSend(w http.ResponseWriter, r *http.Request) {
	guid, ok := s.acceptSubmission(w, r)
	if !ok {
		return
	}
	if err := s.sendQ.Queue(r.Context(), &queue.SendJob{Guid: guid}); err != nil {
		s.logger.Error("failed to queue send job", "guid", guid, "err", err)
		s.writeText(w, http.StatusInternalServerError, "Failed to schedule delivery")
		return
	}
	s.respondItem(w, http.StatusOK, guid)
}

// acceptSubmission decodes, validates and registers a submission. On
// failure the response has already been written and ok is false.
func (s *Server) acceptSubmission(w http.ResponseWriter, r *http.Request) (guid string, ok bool) {
	msg := &message.MailMessage{}
	if err := json.NewDecoder(r.Body).Decode(msg); err != nil {
		s.writeJson(w, http.StatusBadRequest, &message.ValidationProblem{
			Error: fmt.Sprintf("invalid json body: %v", err),
		})
		return "", false
	}
	if problem := message.Validate(msg); problem != nil {
		s.writeJson(w, http.StatusBadRequest, problem)
		return "", false
	}
	msg.Normalize(s.cfg)

	msgUuid := uuid.New()
	msg.Guid = fmt.Sprintf("%x", [16]byte(msgUuid))

	if err := s.registry.Insert(msg.Guid, s.registry.NewItem(msg)); err != nil {
		s.logger.Error("failed to register submission", "guid", msg.Guid, "err", err)
		s.writeText(w, http.StatusInternalServerError, "Failed to register submission")
		return "", false
	}

	textLength := 0
	for _, part := range msg.Data {
		if part.Type == message.PartTypeText {
			textLength += len(part.Text)
		}
	}
	if err := s.registry.AppendEvent(msg.Guid, "api", fmt.Sprintf(
		"received data-count=%d text-length=%d target=%s subject=%s",
		len(msg.Data), textLength, msg.AddressTo, msg.Subject)); err != nil {
		s.logger.Error("failed to append submission event", "guid", msg.Guid, "err", err)
	}
	return msg.Guid, true
}

func (s *Server) respondItem(w http.ResponseWriter, status int, guid string) {
	item, exists := s.registry.Get(guid)
	if !exists {
		s.writeText(w, http.StatusNotFound, fmt.Sprintf("Task with guid %s not found", guid))
		return
	}
	s.writeJson(w, status, item.Redacted())
}

// API responses use 4 space indentation, the runtime snapshot on disk
// uses 2.
func (s *Server) writeJson(w http.ResponseWriter, status int, body any) {
	payload, err := json.MarshalIndent(body, "", "    ")
	if err != nil {
		s.logger.Error("failed to marshal response", "err", err)
		s.writeText(w, http.StatusInternalServerError, "Internal error")
		return
	}
	payload = append(payload, '\n')
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		s.logger.Warn("failed to write response", "err", err)
	}
}

func (s *Server) writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Warn("failed to write response", "err", err)
	}
}
