package server

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/wfunc/roomserver/config"
	"github.com/wfunc/roomserver/game"
	"github.com/wfunc/roomserver/logger"
	"github.com/wfunc/roomserver/monitor"
	"github.com/wfunc/roomserver/network"
	"github.com/wfunc/roomserver/registry"
	"github.com/wfunc/roomserver/room"
	roomserver_rpc "github.com/wfunc/roomserver/rpc"
	"github.com/wfunc/roomserver/session"
)

// HealthService is the name reported to gRPC health checks besides the overall "" entry.
const HealthService = "roomserver"

var errNotInRoom = errors.New("join a room first")

type GameServer struct {
	cfg            config.ServerConfig
	upgrader       websocket.Upgrader
	registry       *registry.Registry
	sessionManager *session.Manager
	monitor        *monitor.Monitor
	rpcServer      *roomserver_rpc.Server
	grpcServer     *grpc.Server
	health         *health.Server
	httpServer     *http.Server
	mutex          sync.Mutex
	shutdownChan   chan struct{}
	shutdownOnce   sync.Once
}

// NewGameServer wires the websocket front door to the registry. stats may be nil, in which case
// the stats RPC reports that statistics are unavailable.
func NewGameServer(cfg config.ServerConfig, reg *registry.Registry, mon *monitor.Monitor, stats roomserver_rpc.StatsProvider) (*GameServer, error) {
	s := &GameServer{
		cfg:            cfg,
		registry:       reg,
		sessionManager: session.NewManager(),
		monitor:        mon,
		shutdownChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有跨域请求
			},
		},
	}

	rpcServer, err := roomserver_rpc.NewServer(cfg.RPCAddress, reg, stats)
	if err != nil {
		return nil, err
	}
	s.rpcServer = rpcServer

	s.grpcServer = grpc.NewServer()
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	return s, nil
}

// Handler exposes the websocket endpoint together with the operational endpoints.
func (s *GameServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/debug/vars", expvar.Handler())
	if s.monitor != nil {
		mux.Handle("/metrics", s.monitor.Handler())
	}
	return mux
}

// Start blocks serving HTTP until Shutdown is called.
func (s *GameServer) Start() error {
	go s.rpcServer.Start()

	if s.cfg.GRPCAddress != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddress)
		if err != nil {
			return err
		}
		go func() {
			if err := s.ServeGRPC(lis); err != nil {
				logger.Log.Errorf("gRPC server stopped: %v", err)
			}
		}()
	}

	s.mutex.Lock()
	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTPAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer := s.httpServer
	s.mutex.Unlock()

	logger.Log.Infof("Room server listening on %s", s.cfg.HTTPAddress)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeGRPC serves health checks and reflection on lis.
func (s *GameServer) ServeGRPC(lis net.Listener) error {
	logger.Log.Infof("gRPC health server listening on %s", lis.Addr())
	return s.grpcServer.Serve(lis)
}

// Shutdown marks the server as not serving, disconnects every session and closes all rooms.
func (s *GameServer) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
		s.health.Shutdown()

		s.mutex.Lock()
		httpServer := s.httpServer
		s.mutex.Unlock()
		if httpServer != nil {
			err = httpServer.Shutdown(ctx)
		}

		s.sessionManager.CloseAll()
		s.registry.Close()
		s.rpcServer.Stop()

		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
		logger.Log.Info("Room server stopped.")
	})
	return err
}

func (s *GameServer) shuttingDown() bool {
	select {
	case <-s.shutdownChan:
		return true
	default:
		return false
	}
}

type healthReport struct {
	Status   string `json:"status"`
	Rooms    int    `json:"rooms"`
	Sessions int    `json:"sessions"`
}

func (s *GameServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Status: "ok", Rooms: s.registry.Len(), Sessions: s.sessionManager.Count()}
	code := http.StatusOK
	if s.shuttingDown() {
		report.Status = "shutting down"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

func (s *GameServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(conn)
}

// client is the read loop's view of one connection.
type client struct {
	sess *session.Session
	game *game.Game
}

func (s *GameServer) handleConnection(conn *websocket.Conn) {
	wsConn := network.NewWSConnection(conn, network.Limits{
		MaxMessageSize: s.cfg.MaxMessageSize,
		WriteWait:      s.cfg.WriteWait,
		PongWait:       s.cfg.PongWait,
	})
	sess := session.NewSession(uuid.New().String(), wsConn, session.Options{
		SendBuffer: s.cfg.SendBuffer,
		PingPeriod: s.cfg.PingPeriod(),
		OnDrop:     s.monitor.MessageDropped,
	})
	s.sessionManager.Add(sess)
	s.monitor.IncOnlineSessions()
	sess.Start()

	logger.Log.Infof("New connection from %s, session ID: %s", wsConn.RemoteAddr(), sess.GetID())

	defer func() {
		logger.Log.Infof("Connection closed from %s, session ID: %s", wsConn.RemoteAddr(), sess.GetID())
		s.sessionManager.Remove(sess.GetID())
		s.monitor.DecOnlineSessions()
		// runs the room's disconnect hook, which removes the member
		_ = sess.Close()
	}()

	c := &client{sess: sess}
	for {
		if s.shuttingDown() {
			return
		}
		frame, err := wsConn.ReadFrame()
		if err != nil {
			if network.IsUnexpectedClose(err) {
				logger.Log.Warnf("Session %s read error: %v", sess.GetID(), err)
			}
			return
		}
		sess.Touch()
		s.handleFrame(c, frame)
	}
}

func (s *GameServer) handleFrame(c *client, frame []byte) {
	start := time.Now()
	msg, err := network.DecodeMessage(frame)
	if err != nil {
		logger.Log.Debugf("Session %s sent a bad frame: %v", c.sess.GetID(), err)
		s.sendError(c.sess, network.EventServerError, err)
		return
	}
	s.monitor.IncMessagesReceived(msg.Event.String())
	defer func() { s.monitor.ObserveMessageLatency(time.Since(start)) }()

	switch msg.Event {
	case network.EventCreateRoom:
		s.handleCreateRoom(c, msg)
	default:
		s.handleRoomEvent(c, msg)
	}
}

func (s *GameServer) handleCreateRoom(c *client, msg *network.Message) {
	if c.game != nil {
		logger.Log.Debugf("Session %s is already in room %s", c.sess.GetID(), c.sess.RoomID)
		return
	}

	var req network.CreateRoomRequest
	if err := msg.DecodeData(&req); err != nil {
		s.sendError(c.sess, network.EventRoomFailedToJoin, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(c.sess, network.EventRoomFailedToJoin, err)
		return
	}

	g, err := s.joinRoom(c.sess, req)
	switch {
	case err == nil:
		c.game = g
		c.sess.RoomID = req.RoomID
		logger.Log.Infof("Session %s joined room %s as %s", c.sess.GetID(), req.RoomID, req.Player.ID)
	case errors.Is(err, room.ErrRoomFull), errors.Is(err, room.ErrAlreadyJoined):
		// the room already told the client why
	default:
		logger.Log.Infof("Session %s could not join room %s: %v", c.sess.GetID(), req.RoomID, err)
		s.sendError(c.sess, network.EventRoomFailedToJoin, err)
	}
}

// joinRoom retries once when the room was evicted between lookup and admission.
func (s *GameServer) joinRoom(sess *session.Session, req network.CreateRoomRequest) (*game.Game, error) {
	for attempt := 0; attempt < 2; attempt++ {
		g, err := s.registry.GetOrCreate(req.RoomID, req.GameSlug)
		if err != nil {
			return nil, err
		}
		err = g.Admit(sess, req.Player)
		if errors.Is(err, room.ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, room.ErrRoomClosed
}

func (s *GameServer) handleRoomEvent(c *client, msg *network.Message) {
	if c.game == nil {
		s.sendError(c.sess, network.EventServerError, errNotInRoom)
		return
	}

	err := c.game.Dispatch(c.sess.GetID(), msg.Event, msg.Data)
	if (err == nil && msg.Event == network.EventLeaveRoom) ||
		errors.Is(err, room.ErrNotMember) || errors.Is(err, room.ErrRoomClosed) {
		c.game = nil
		c.sess.RoomID = ""
	}
	if err != nil {
		logger.Log.Debugf("Session %s %s failed: %v", c.sess.GetID(), msg.Event, err)
		s.sendError(c.sess, network.EventServerError, err)
	}
}

func (s *GameServer) sendError(sess *session.Session, event network.Event, err error) {
	msg, encErr := network.NewMessage(event, network.ErrorPayload{Reason: err.Error()}, nil)
	if encErr != nil {
		return
	}
	_ = sess.Send(msg)
}
