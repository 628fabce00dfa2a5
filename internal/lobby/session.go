package lobby

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/multiworld/internal/observability"
	"github.com/cory-johannsen/multiworld/internal/protocol"
	"github.com/cory-johannsen/multiworld/internal/room"
	"github.com/cory-johannsen/multiworld/internal/transport"
)

// Handler implements transport.SessionHandler. It keeps a connection in the
// lobby until it joins or creates a room, then feeds its requests to that room.
type Handler struct {
	registry   *Registry
	outboxSize int
	logger     *zap.Logger
}

// NewHandler creates a session handler backed by registry.
//
// Precondition: registry and logger must be non-nil; outboxSize must be >= 1.
// Postcondition: Returns a Handler ready to be passed to transport.NewAcceptor.
func NewHandler(registry *Registry, outboxSize int, logger *zap.Logger) *Handler {
	return &Handler{registry: registry, outboxSize: outboxSize, logger: logger}
}

// HandleSession implements transport.SessionHandler.
//
// Postcondition: The connection has left its room, if any, and the lobby.
// Returns nil when the peer closed cleanly.
func (h *Handler) HandleSession(ctx context.Context, conn *transport.Conn) error {
	start := time.Now()
	id := conn.ID()
	logger := h.logger.With(
		observability.ConnID(id),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	out := transport.NewOutbox(conn, h.outboxSize, logger)
	defer func() {
		out.Close()
		<-out.Done()
	}()

	if err := h.registry.Subscribe(id, out); err != nil {
		return err
	}
	rm, err := h.lobby(ctx, conn, out, logger)
	h.registry.Unsubscribe(id)
	if err != nil {
		return err
	}
	if rm == nil {
		return nil
	}

	defer rm.Leave(id)
	logger = logger.With(observability.Room(rm.Name()))
	logger.Info("client entered room", zap.Duration("lobby_time", time.Since(start)))
	return h.play(ctx, conn, out, rm, logger)
}

// lobby reads lobby requests until the connection is admitted to a room.
//
// Postcondition: Returns the joined room, (nil, nil) if the peer closed cleanly,
// or an error if the connection failed.
func (h *Handler) lobby(ctx context.Context, conn *transport.Conn, out *transport.Outbox, logger *zap.Logger) (*room.Room, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := conn.ReadLobbyClientMessage()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading lobby message: %w", err)
		}

		var rm *room.Room
		switch m := msg.(type) {
		case protocol.JoinRoom:
			rm, err = h.registry.Join(m.Name, m.Password)
		case protocol.CreateRoom:
			rm, err = h.registry.Create(m.Name, m.Password)
		case protocol.Encrypt:
			err = &protocol.ViolationError{Reason: "encryption can only be requested during the handshake"}
		}
		if err != nil {
			logger.Debug("lobby request rejected", zap.Error(err))
			if sendErr := out.Send(protocol.ServerError{Message: err.Error()}); sendErr != nil {
				return nil, sendErr
			}
			continue
		}

		// Room announcements stop before the room's own traffic starts.
		h.registry.Unsubscribe(conn.ID())
		if err := rm.Join(conn.ID(), out); err != nil {
			return nil, fmt.Errorf("joining room %q: %w", rm.Name(), err)
		}
		return rm, nil
	}
}

// play feeds room requests to rm until the connection ends.
func (h *Handler) play(ctx context.Context, conn *transport.Conn, out *transport.Outbox, rm *room.Room, logger *zap.Logger) error {
	id := conn.ID()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := conn.ReadRoomClientMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading room message: %w", err)
		}

		switch m := msg.(type) {
		case protocol.PlayerID:
			err = rm.ClaimWorld(id, m.World)
			if errors.Is(err, room.ErrWorldClaimed) {
				logger.Debug("ignoring claim of held world", observability.World(m.World))
				err = nil
			}
		case protocol.ResetPlayerID:
			err = rm.ResetWorld(id)
		case protocol.PlayerName:
			err = rm.SetName(id, m.Name)
			if errors.Is(err, room.ErrUnassigned) {
				err = nil
			}
		case protocol.SendItem:
			err = rm.SendItem(id, m.Key, m.Kind, m.TargetWorld)
			if errors.Is(err, room.ErrUnassigned) {
				err = out.Send(protocol.ServerError{Message: "claim a world before sending items"})
			}
		}
		if err != nil {
			return fmt.Errorf("handling %T: %w", msg, err)
		}
	}
}
