// Package lobby maps room names to rooms and runs each connection's session:
// room selection in the lobby, then the room loop.
package lobby

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/cory-johannsen/multiworld/internal/observability"
	"github.com/cory-johannsen/multiworld/internal/protocol"
	"github.com/cory-johannsen/multiworld/internal/room"
)

// MaxRoomNameLen is the longest accepted room name in bytes.
const MaxRoomNameLen = 64

// Registry errors.
var (
	ErrRoomExists    = errors.New("a room with this name already exists")
	ErrNoSuchRoom    = errors.New("there is no room with this name")
	ErrWrongPassword = errors.New("wrong password")
	ErrInvalidName   = fmt.Errorf("room name must be between 1 and %d bytes", MaxRoomNameLen)
)

// Options tunes a Registry.
type Options struct {
	// Room is applied to every room the registry creates.
	Room room.Options
	// BcryptCost is the password hashing cost. Zero means bcrypt.DefaultCost.
	BcryptCost int
}

type entry struct {
	room *room.Room
	hash []byte
}

// Registry is the process-wide set of rooms plus the lobby clients waiting
// for room announcements. All methods are safe for concurrent use.
type Registry struct {
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	rooms       map[string]*entry
	subscribers map[uuid.UUID]room.Sender
}

// NewRegistry creates an empty registry.
//
// Precondition: logger must be non-nil.
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &Registry{
		opts:        opts,
		logger:      logger,
		rooms:       make(map[string]*entry),
		subscribers: make(map[uuid.UUID]room.Sender),
	}
}

// Create makes a new room protected by password and announces it to lobby subscribers.
//
// Precondition: name must be 1 to MaxRoomNameLen bytes.
// Postcondition: Returns the new room, or ErrRoomExists if the name is taken.
func (r *Registry) Create(name, password string) (*room.Room, error) {
	if name == "" || len(name) > MaxRoomNameLen {
		return nil, ErrInvalidName
	}
	hash, err := bcrypt.GenerateFromPassword(passwordDigest(password), r.opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing room password: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[name]; ok {
		return nil, ErrRoomExists
	}
	rm := room.New(name, r.opts.Room, r.logger)
	r.rooms[name] = &entry{room: rm, hash: hash}
	r.logger.Info("room created", observability.Room(name))

	r.announce(protocol.NewRoom{Name: name})
	return rm, nil
}

// Join looks up an existing room and checks its password.
//
// Postcondition: Returns ErrNoSuchRoom or ErrWrongPassword on failure.
func (r *Registry) Join(name, password string) (*room.Room, error) {
	r.mu.Lock()
	e, ok := r.rooms[name]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNoSuchRoom
	}

	if err := bcrypt.CompareHashAndPassword(e.hash, passwordDigest(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrWrongPassword
		}
		return nil, fmt.Errorf("checking room password: %w", err)
	}
	return e.room, nil
}

// passwordDigest pre-hashes a password so passwords of any length fit
// bcrypt's 72-byte input limit without being truncated.
func passwordDigest(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return sum[:]
}

// CreateOrJoin joins the named room, creating it if it does not exist yet.
func (r *Registry) CreateOrJoin(name, password string) (*room.Room, error) {
	rm, err := r.Join(name, password)
	if !errors.Is(err, ErrNoSuchRoom) {
		return rm, err
	}
	rm, err = r.Create(name, password)
	if errors.Is(err, ErrRoomExists) {
		// Lost a creation race; the winner's password decides.
		return r.Join(name, password)
	}
	return rm, err
}

// RoomNames returns the sorted names of every room.
func (r *Registry) RoomNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomNames()
}

func (r *Registry) roomNames() []string {
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Subscribe sends the current room list to out and registers it for NewRoom
// announcements, atomically with respect to room creation.
//
// Postcondition: Every room created after Subscribe returns is announced to out
// until Unsubscribe is called.
func (r *Registry) Subscribe(id uuid.UUID, out room.Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	frame, err := protocol.AppendRoomList(nil, r.roomNames())
	if err != nil {
		return err
	}
	if err := out.SendFrame(frame); err != nil {
		return fmt.Errorf("sending room list: %w", err)
	}
	r.subscribers[id] = out
	return nil
}

// Unsubscribe stops room announcements to id.
func (r *Registry) Unsubscribe(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, id)
}

func (r *Registry) announce(m protocol.NewRoom) {
	frame, err := protocol.Marshal(m)
	if err != nil {
		r.logger.Error("encoding room announcement", zap.Error(err))
		return
	}
	for id, out := range r.subscribers {
		if err := out.SendFrame(frame); err != nil {
			delete(r.subscribers, id)
		}
	}
}
