package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prismon/hazelnut/internal/models"
	"github.com/prismon/hazelnut/pkg/logger"
	"github.com/sirupsen/logrus"
)

var log *logrus.Entry

func init() {
	log = logger.WithName("control")
}

// Backend is the daemon side of every operation
type Backend interface {
	Status() models.DaemonStatus
	ListRules() []models.RuleInfo
	AddRule(rule models.Rule) (models.Rule, error)
	EditRule(rule models.Rule) (models.Rule, error)
	DeleteRule(id string) error
	ToggleRule(id string, enabled *bool) (models.Rule, error)
	Reload() error
	RequestStop()
	TailLog(n int) ([]models.ExecutionOutcome, error)
	History(ctx context.Context, p HistoryParams) ([]models.ExecutionOutcome, error)
}

// Dispatch runs one request against the backend
func Dispatch(ctx context.Context, b Backend, req Request) Response {
	switch req.Op {
	case OpGetStatus:
		return okResponse(b.Status())

	case OpListRules:
		return okResponse(b.ListRules())

	case OpAddRule, OpEditRule:
		var p RuleParams
		if err := decodeParams(req.Params, &p); err != nil {
			return errorResponse(err)
		}
		var (
			rule models.Rule
			err  error
		)
		if req.Op == OpAddRule {
			rule, err = b.AddRule(p.Rule)
		} else {
			rule, err = b.EditRule(p.Rule)
		}
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(rule)

	case OpDeleteRule:
		var p IDParams
		if err := decodeParams(req.Params, &p); err != nil {
			return errorResponse(err)
		}
		if err := b.DeleteRule(p.ID); err != nil {
			return errorResponse(err)
		}
		return okResponse(nil)

	case OpToggleRule:
		var p ToggleParams
		if err := decodeParams(req.Params, &p); err != nil {
			return errorResponse(err)
		}
		rule, err := b.ToggleRule(p.ID, p.Enabled)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(rule)

	case OpReload:
		if err := b.Reload(); err != nil {
			return errorResponse(err)
		}
		return okResponse(nil)

	case OpStop:
		b.RequestStop()
		return okResponse(nil)

	case OpTailLog:
		p := TailParams{N: 20}
		if len(req.Params) > 0 {
			if err := decodeParams(req.Params, &p); err != nil {
				return errorResponse(err)
			}
		}
		outcomes, err := b.TailLog(p.N)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(outcomes)

	case OpHistory:
		var p HistoryParams
		if len(req.Params) > 0 {
			if err := decodeParams(req.Params, &p); err != nil {
				return errorResponse(err)
			}
		}
		outcomes, err := b.History(ctx, p)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(outcomes)

	default:
		return errorResponse(fmt.Errorf("%w: unknown op %q", models.ErrProtocol, req.Op))
	}
}

// ServerOptions configures a Server
type ServerOptions struct {
	// QueueSize bounds the snapshots buffered per subscriber. When a slow
	// subscriber falls behind the oldest buffered snapshot is dropped.
	QueueSize int
}

type subscriber struct {
	ch chan []byte
}

// Server serves the control protocol on a unix socket
type Server struct {
	backend  Backend
	socket   string
	opts     ServerOptions
	http     *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subsWg sync.WaitGroup

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	latest []byte
}

// NewServer creates a server for backend on socketPath
func NewServer(backend Backend, socketPath string, opts ServerOptions) *Server {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		backend: backend,
		socket:  socketPath,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[*subscriber]struct{}),
	}

	// The websocket upgrade needs the raw ResponseWriter, so it is served
	// beside the gin router rather than through it.
	mux := http.NewServeMux()
	mux.HandleFunc(subscribePath, s.handleSubscribe)
	mux.Handle("/", s.router())

	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if logger.IsLevelEnabled(logrus.DebugLevel) {
			log.WithFields(logrus.Fields{
				"method":   c.Request.Method,
				"path":     c.Request.URL.Path,
				"status":   c.Writer.Status(),
				"duration": time.Since(start).Milliseconds(),
			}).Debug("Control request completed")
		}
	})

	router.POST(requestPath, s.handleRequest)
	return router
}

// Publish pushes a status snapshot to every subscriber. Callers publish
// each change in order; subscribers skip snapshots identical to the last
// one they were sent.
func (s *Server) Publish(st models.DaemonStatus) {
	data, err := json.Marshal(st)
	if err != nil {
		log.WithError(err).Error("Failed to encode status")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = data
	for sub := range s.subs {
		enqueue(sub.ch, data)
	}
}

func enqueue(ch chan []byte, data []byte) {
	select {
	case ch <- data:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- data:
	default:
	}
}

// Start binds the socket and begins serving
func (s *Server) Start() error {
	if err := os.Remove(s.socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socket, err)
	}
	if err := os.Chmod(s.socket, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Control server stopped unexpectedly")
		}
	}()

	log.WithField("socket", s.socket).Info("Control server listening")
	return nil
}

// Shutdown closes subscriptions, stops accepting requests and removes
// the socket file
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	err := s.http.Shutdown(ctx)
	s.wg.Wait()

	// Hijacked subscription connections are not tracked by http.Server
	subsDone := make(chan struct{})
	go func() {
		s.subsWg.Wait()
		close(subsDone)
	}()
	select {
	case <-subsDone:
	case <-ctx.Done():
		log.Warn("Subscriptions still open at shutdown")
	}
	if rmErr := os.Remove(s.socket); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		log.WithError(rmErr).Warn("Failed to remove socket")
	}
	if err != nil {
		return fmt.Errorf("control server shutdown: %w", err)
	}
	log.Info("Control server stopped")
	return nil
}

// Subscribers returns the number of open subscriptions
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func statusCode(resp Response) int {
	if resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Kind {
	case models.KindProtocol, models.KindInvalidRule, models.KindConfigInvalid:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRequest(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxRequestBytes+1))
	if err != nil {
		resp := errorResponse(fmt.Errorf("%w: failed to read request: %v", models.ErrProtocol, err))
		c.JSON(statusCode(resp), resp)
		return
	}
	if len(body) > MaxRequestBytes {
		resp := errorResponse(fmt.Errorf("%w: request exceeds %d bytes", models.ErrProtocol, MaxRequestBytes))
		c.JSON(statusCode(resp), resp)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		resp := errorResponse(fmt.Errorf("%w: malformed request: %v", models.ErrProtocol, err))
		c.JSON(statusCode(resp), resp)
		return
	}

	resp := Dispatch(c.Request.Context(), s.backend, req)
	if resp.Error != nil {
		log.WithFields(logrus.Fields{"op": req.Op, "kind": resp.Error.Kind}).Debug(resp.Error.Message)
	}
	c.JSON(statusCode(resp), resp)
}

// handleSubscribe streams status snapshots, sending one only when it
// differs from the last one sent
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Subscription upgrade failed")
		return
	}
	defer conn.CloseNow()

	sub := s.register()
	if sub == nil {
		conn.Close(websocket.StatusGoingAway, "daemon stopping")
		return
	}
	defer s.unregister(sub)

	ctx := conn.CloseRead(s.ctx)
	var last []byte
	send := func(data []byte) bool {
		if bytes.Equal(data, last) {
			return true
		}
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
			log.WithError(err).Debug("Subscriber went away")
			return false
		}
		last = data
		return true
	}

	for {
		select {
		case data := <-sub.ch:
			if !send(data) {
				return
			}
		case <-ctx.Done():
			if s.ctx.Err() == nil {
				return
			}
			// Flush what was published before shutdown, e.g. the stopping state
			for {
				select {
				case data := <-sub.ch:
					if !send(data) {
						return
					}
				default:
					conn.Close(websocket.StatusGoingAway, "daemon stopping")
					return
				}
			}
		}
	}
}

// register adds a subscriber whose queue starts with the newest snapshot
func (s *Server) register() *subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return nil
	}

	sub := &subscriber{ch: make(chan []byte, s.opts.QueueSize)}
	initial := s.latest
	if initial == nil {
		data, err := json.Marshal(s.backend.Status())
		if err != nil {
			log.WithError(err).Error("Failed to encode status")
			return nil
		}
		initial = data
	}
	sub.ch <- initial
	s.subs[sub] = struct{}{}
	s.subsWg.Add(1)
	return sub
}

func (s *Server) unregister(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	s.subsWg.Done()
}
