// Package adminapi exposes a read-only HTTP introspection surface for
// operators: process health, per-session object-tree and observation
// dumps, and a websocket stream of emitted notifications. It is an
// optional host-side embedding, not part of the protocol core; nothing
// in internal/session depends on it.
package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/session"
	"github.com/openlwm2m/core/pkg/logging"
	"github.com/openlwm2m/core/pkg/version"
)

// Service is the admin API over one or more named sessions.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	secret    []byte
	logger    *logging.Logger
	router    *mux.Router
	upgrader  websocket.Upgrader
	startTime time.Time

	streamMu sync.Mutex
	streams  map[*websocket.Conn]struct{}
}

// Config holds the admin API's host-supplied parameters.
type Config struct {
	// Secret signs/verifies the HMAC bearer tokens gating every
	// endpoint except /healthz.
	Secret []byte
	Logger *logging.Logger
}

// New creates the Service and builds its route table.
func New(cfg Config) *Service {
	s := &Service{
		sessions:  make(map[string]*session.Session),
		secret:    cfg.Secret,
		logger:    cfg.Logger,
		startTime: time.Now(),
		streams:   make(map[*websocket.Conn]struct{}),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}/tree", s.handleTree).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}/observations", s.handleObservations).Methods(http.MethodGet)
	authed.HandleFunc("/ws/notifications", s.handleNotificationStream).Methods(http.MethodGet)
	s.router = r
	return s
}

// Router returns the HTTP handler the host mounts.
func (s *Service) Router() http.Handler { return s.router }

// AddSession registers a session under id and taps its notification
// engine so emissions reach the websocket stream.
func (s *Service) AddSession(id string, sess *session.Session) {
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	sess.Notify.SetListener(func(path model.Path, seq uint32, payload []byte) {
		s.broadcast(streamEvent{Session: id, Path: path.String(), Seq: seq, Payload: payload})
	})
}

// RemoveSession drops a session from the API.
func (s *Service) RemoveSession(id string) {
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok {
		sess.Notify.SetListener(nil)
		delete(s.sessions, id)
	}
	s.mu.Unlock()
}

func (s *Service) session(id string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// authMiddleware validates the Authorization bearer token as an HMAC
// JWT signed with the configured secret.
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken mints a bearer token for operators, valid for ttl.
func (s *Service) IssueToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Sessions  int    `json:"sessions"`
	MemoryRSS uint64 `json:"memory_rss_bytes,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	count := len(s.sessions)
	s.mu.RUnlock()

	resp := healthResponse{
		Status:   "healthy",
		Version:  version.Version,
		Uptime:   time.Since(s.startTime).String(),
		Sessions: count,
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			resp.MemoryRSS = mem.RSS
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": ids})
}

type treeResource struct {
	ID        uint16            `json:"id"`
	Instances map[uint16]string `json:"instances"`
}

type treeInstance struct {
	ID        uint16         `json:"id"`
	Resources []treeResource `json:"resources"`
}

type treeObject struct {
	ID        uint16         `json:"id"`
	Instances []treeInstance `json:"instances"`
}

func (s *Service) handleTree(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(mux.Vars(r)["id"])
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such session")
		return
	}
	var objects []treeObject
	for _, oid := range sess.Store.Objects() {
		obj := treeObject{ID: oid}
		for _, iid := range sess.Store.ObjectInstances(oid) {
			inst := treeInstance{ID: iid}
			for _, rid := range sess.Store.InstanceResources(oid, iid) {
				res := treeResource{ID: rid, Instances: make(map[uint16]string)}
				for _, ri := range sess.Store.ResourceInstances(oid, iid, rid) {
					if raw, err := sess.Store.GetResourceInstance(oid, iid, rid, ri); err == nil {
						res.Instances[ri] = fmt.Sprintf("%x", raw)
					}
				}
				inst.Resources = append(inst.Resources, res)
			}
			obj.Instances = append(obj.Instances, inst)
		}
		objects = append(objects, obj)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"objects": objects})
}

type observationView struct {
	Peer          string `json:"peer"`
	Path          string `json:"path"`
	ContentFormat uint16 `json:"content_format"`
	LastSeq       uint32 `json:"last_seq"`
	HasSent       bool   `json:"has_sent"`
}

func (s *Service) handleObservations(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(mux.Vars(r)["id"])
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no such session")
		return
	}
	views := make([]observationView, 0)
	for _, obs := range sess.Observer.All() {
		views = append(views, observationView{
			Peer:          obs.Peer,
			Path:          obs.Path.String(),
			ContentFormat: obs.ContentFormat,
			LastSeq:       obs.LastSeq,
			HasSent:       obs.HasSent,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"observations": views})
}

type streamEvent struct {
	Session string `json:"session"`
	Path    string `json:"path"`
	Seq     uint32 `json:"seq"`
	Payload []byte `json:"payload"`
}

func (s *Service) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.streamMu.Lock()
	s.streams[conn] = struct{}{}
	s.streamMu.Unlock()

	// Reads are discarded; the stream is one-way. The read loop exists
	// only to notice the peer closing.
	go func() {
		defer s.dropStream(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Service) dropStream(conn *websocket.Conn) {
	s.streamMu.Lock()
	delete(s.streams, conn)
	s.streamMu.Unlock()
	conn.Close()
}

func (s *Service) broadcast(ev streamEvent) {
	s.streamMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.streams))
	for conn := range s.streams {
		conns = append(conns, conn)
	}
	s.streamMu.Unlock()
	for _, conn := range conns {
		if err := conn.WriteJSON(ev); err != nil {
			s.dropStream(conn)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
