package companion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/multiworld/internal/client"
	"github.com/cory-johannsen/multiworld/internal/protocol"
)

// Room is the room connection a Bridge relays to.
type Room interface {
	SetPlayerID(w protocol.World) error
	SetPlayerName(name protocol.Name) error
	SendItem(key uint32, kind uint16, target protocol.World) error
	Recv(ctx context.Context) (protocol.ServerMessage, error)
	Apply(m protocol.ServerMessage)
	ItemQueue() []uint16
	Players() []protocol.Player
}

var _ Room = (*client.RoomClient)(nil)

// Bridge relays between one room connection and the plugin currently
// attached, if any. The room mirror is kept current while no plugin is
// attached so a plugin that connects later is brought up to date.
type Bridge struct {
	room   Room
	logger *zap.Logger

	mu     sync.Mutex
	plugin *Conn
}

// NewBridge creates a Bridge for room.
//
// Precondition: room and logger must be non-nil.
func NewBridge(room Room, logger *zap.Logger) *Bridge {
	return &Bridge{room: room, logger: logger}
}

// Run applies room messages to the mirror and forwards the ones the plugin
// understands.
//
// Postcondition: Returns nil when ctx is cancelled, or the error that ended
// the room connection.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		m, err := b.room.Recv(ctx)
		if err != nil {
			var remote *client.RemoteError
			if errors.As(err, &remote) {
				b.logger.Warn("room reported an error", zap.String("message", remote.Message))
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving from room: %w", err)
		}

		b.mu.Lock()
		b.room.Apply(m)
		if out, ok := toHost(m); ok && b.plugin != nil {
			if err := b.plugin.WriteMessage(out); err != nil {
				b.logger.Warn("dropping plugin after write failure", zap.Error(err))
				b.plugin.Close()
				b.plugin = nil
			}
		}
		b.mu.Unlock()
	}
}

func toHost(m protocol.ServerMessage) (HostMessage, bool) {
	switch m := m.(type) {
	case protocol.ItemQueue:
		return ItemQueue{Kinds: m.Kinds}, true
	case protocol.GetItem:
		return GetItem{Kind: m.Kind}, true
	case protocol.PlayerNameChanged:
		return PlayerNameChanged{World: m.World, Name: m.Name}, true
	default:
		return nil, false
	}
}

// Serve attaches plugin and relays its messages to the room until the plugin
// disconnects or ctx is cancelled. The plugin is closed on return.
//
// Postcondition: Returns nil on a clean disconnect or cancellation.
func (b *Bridge) Serve(ctx context.Context, plugin *Conn) error {
	defer plugin.Close()
	if err := b.attach(plugin); err != nil {
		return fmt.Errorf("syncing plugin: %w", err)
	}
	defer b.detach(plugin)
	stop := context.AfterFunc(ctx, func() { plugin.Close() })
	defer stop()

	for {
		m, err := plugin.ReadPluginMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from plugin: %w", err)
		}
		if err := b.relay(m); err != nil {
			return err
		}
	}
}

// attach sends the mirrored item queue and known names, then makes plugin
// the forwarding target. Both happen under the lock Run forwards under, so
// the plugin sees no message twice and misses none.
func (b *Bridge) attach(plugin *Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if queue := b.room.ItemQueue(); len(queue) > 0 {
		if err := plugin.WriteMessage(ItemQueue{Kinds: queue}); err != nil {
			return err
		}
	}
	for _, p := range b.room.Players() {
		if p.Name == protocol.DefaultName {
			continue
		}
		if err := plugin.WriteMessage(PlayerNameChanged{World: p.World, Name: p.Name}); err != nil {
			return err
		}
	}
	b.plugin = plugin
	return nil
}

func (b *Bridge) detach(plugin *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.plugin == plugin {
		b.plugin = nil
	}
}

func (b *Bridge) relay(m PluginMessage) error {
	switch m := m.(type) {
	case PlayerID:
		return b.room.SetPlayerID(m.World)
	case PlayerName:
		return b.room.SetPlayerName(m.Name)
	case SendItem:
		return b.room.SendItem(m.Key, m.Kind, m.TargetWorld)
	default:
		return fmt.Errorf("unhandled plugin message %T", m)
	}
}

// ListenAndServe accepts plugins on ln one at a time until ctx is cancelled.
// A plugin that fails the handshake is logged and dropped.
//
// Precondition: ln should listen on a loopback address.
// Postcondition: ln is closed on return. Returns nil on cancellation.
func (b *Bridge) ListenAndServe(ctx context.Context, ln net.Listener, timeout time.Duration) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	b.logger.Info("companion endpoint listening", zap.String("addr", ln.Addr().String()))
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting plugin: %w", err)
		}
		plugin, err := Handshake(raw, timeout)
		if err != nil {
			b.logger.Warn("plugin handshake failed",
				zap.String("remote_addr", raw.RemoteAddr().String()),
				zap.Error(err),
			)
			continue
		}
		b.logger.Info("plugin connected", zap.String("remote_addr", plugin.RemoteAddr().String()))
		if err := b.Serve(ctx, plugin); err != nil {
			b.logger.Warn("plugin session ended", zap.Error(err))
		} else {
			b.logger.Info("plugin disconnected")
		}
	}
}
