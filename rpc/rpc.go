// Package rpc is the net/rpc admin surface: room listing, room details and player stats.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"sort"
	"time"

	"github.com/wfunc/roomserver/game"
	"github.com/wfunc/roomserver/logger"
	"github.com/wfunc/roomserver/models"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrStatsUnavailable = errors.New("player stats unavailable")
)

const statsTimeout = 5 * time.Second

// RoomDirectory is the read side of the session registry.
type RoomDirectory interface {
	List() []game.Info
	Lookup(roomID string) (game.Info, bool)
}

type StatsProvider interface {
	PlayerStats(ctx context.Context, playerID string) (*models.PlayerStats, error)
}

// Server manages the RPC listener.
type Server struct {
	rpc      *rpc.Server
	listener net.Listener
	address  string
}

// NewServer registers the admin services on a private rpc.Server so tests can run several.
func NewServer(addr string, rooms RoomDirectory, stats StatsProvider) (*Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName("RoomService", &RoomService{rooms: rooms}); err != nil {
		return nil, err
	}
	if err := srv.RegisterName("StatsService", &StatsService{stats: stats}); err != nil {
		return nil, err
	}

	s := &Server{rpc: srv, address: addr}
	if addr == "" {
		return s, nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.listener = listener
	return s, nil
}

// Start accepts connections until Stop is called.
func (s *Server) Start() {
	if s.listener == nil {
		return
	}
	logger.Log.Infof("RPC server listening on %s", s.listener.Addr())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go s.rpc.ServeConn(conn)
	}
}

// ServeConn serves a single connection, blocking until the client hangs up.
func (s *Server) ServeConn(conn io.ReadWriteCloser) {
	s.rpc.ServeConn(conn)
}

func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// RoomService exposes live rooms.
type RoomService struct {
	rooms RoomDirectory
}

type ListRoomsArgs struct {
	// GameSlug filters by game type when set.
	GameSlug string
}

type ListRoomsReply struct {
	Rooms []game.Info
}

func (rs *RoomService) ListRooms(args *ListRoomsArgs, reply *ListRoomsReply) error {
	for _, info := range rs.rooms.List() {
		if args.GameSlug != "" && info.Slug != args.GameSlug {
			continue
		}
		reply.Rooms = append(reply.Rooms, info)
	}
	sort.Slice(reply.Rooms, func(i, j int) bool { return reply.Rooms[i].ID < reply.Rooms[j].ID })
	return nil
}

type GetRoomArgs struct {
	RoomID string
}

type GetRoomReply struct {
	Room game.Info
}

func (rs *RoomService) GetRoom(args *GetRoomArgs, reply *GetRoomReply) error {
	info, ok := rs.rooms.Lookup(args.RoomID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, args.RoomID)
	}
	reply.Room = info
	return nil
}

// StatsService exposes the match archive.
type StatsService struct {
	stats StatsProvider
}

type PlayerStatsArgs struct {
	PlayerID string
}

type PlayerStatsReply struct {
	Stats models.PlayerStats
}

func (ss *StatsService) PlayerStats(args *PlayerStatsArgs, reply *PlayerStatsReply) error {
	if ss.stats == nil {
		return ErrStatsUnavailable
	}
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	stats, err := ss.stats.PlayerStats(ctx, args.PlayerID)
	if err != nil {
		return err
	}
	reply.Stats = *stats
	return nil
}
