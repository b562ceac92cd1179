package server

import (
	"mooverse/types"
)

// Session is the capability a task's world-state transaction holds for
// talking back to a connected player. It is the boundary between the
// scheduler/VM side (which only ever sees this interface) and the
// concrete telnet transport in connection.go/transport.go, which this
// codebase happens to implement it with but which nothing upstream
// depends on directly.
type Session interface {
	// SendEvent delivers a line of output to the player. Equivalent to
	// notify() at the MOO level.
	SendEvent(player types.ObjID, message string) error

	// Shutdown disconnects every connected player with the given message.
	Shutdown(message string)

	// ConnectedPlayers returns the ObjIDs of all currently connected players.
	ConnectedPlayers() []types.ObjID

	// ConnectionName returns the transport-level identity of a player's
	// connection (e.g. remote address), or "" if not connected.
	ConnectionName(player types.ObjID) string

	// ConnectedSeconds returns how long the player has been connected.
	ConnectedSeconds(player types.ObjID) int64

	// IdleSeconds returns how long since the player's connection last saw input.
	IdleSeconds(player types.ObjID) int64

	// BootPlayer forcibly disconnects a player.
	BootPlayer(player types.ObjID) error
}

// connectionManagerSession adapts *ConnectionManager to Session.
type connectionManagerSession struct {
	cm *ConnectionManager
}

// NewSession wraps a ConnectionManager as the Session capability handed
// to tasks and builtins that need to talk to players without depending
// on the telnet-specific types.
func NewSession(cm *ConnectionManager) Session {
	return connectionManagerSession{cm: cm}
}

func (s connectionManagerSession) SendEvent(player types.ObjID, message string) error {
	conn := s.cm.GetConnection(player)
	if conn == nil {
		return nil
	}
	return conn.Send(message)
}

func (s connectionManagerSession) Shutdown(message string) {
	for _, player := range s.cm.ConnectedPlayers(true) {
		if conn := s.cm.GetConnection(player); conn != nil {
			if message != "" {
				conn.Send(message)
			}
			conn.Flush()
		}
		s.cm.BootPlayer(player)
	}
}

func (s connectionManagerSession) ConnectedPlayers() []types.ObjID {
	return s.cm.ConnectedPlayers(false)
}

func (s connectionManagerSession) ConnectionName(player types.ObjID) string {
	conn := s.cm.GetConnection(player)
	if conn == nil {
		return ""
	}
	return conn.RemoteAddr()
}

func (s connectionManagerSession) ConnectedSeconds(player types.ObjID) int64 {
	conn := s.cm.GetConnection(player)
	if conn == nil {
		return 0
	}
	return conn.ConnectedSeconds()
}

func (s connectionManagerSession) IdleSeconds(player types.ObjID) int64 {
	conn := s.cm.GetConnection(player)
	if conn == nil {
		return 0
	}
	return conn.IdleSeconds()
}

func (s connectionManagerSession) BootPlayer(player types.ObjID) error {
	return s.cm.BootPlayer(player)
}
