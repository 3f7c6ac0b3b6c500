package wire

// Reserved handler ids. Applications register their own message types at
// FirstUserHandler and above.
const (
	PlayersUpdate byte = 0
	LobbyGo       byte = 1
	EntitySpawn   byte = 2
	EntityDespawn byte = 3
	EntityFields  byte = 4
	EntityMethods byte = 5
)

// FirstUserHandler is the lowest id free for application messages.
const FirstUserHandler byte = 16

// RecordHeaderSize is handler id (1) + payload length (4).
const RecordHeaderSize = 5

// DefaultMaxMessageSize matches the fixed receive buffer of the protocol.
const DefaultMaxMessageSize = 4096

// HandlerName returns a readable name for reserved handler ids.
func HandlerName(id byte) string {
	switch id {
	case PlayersUpdate:
		return "PLAYERS_UPDATE"
	case LobbyGo:
		return "LOBBY_GO"
	case EntitySpawn:
		return "ENTITY_SPAWN"
	case EntityDespawn:
		return "ENTITY_DESPAWN"
	case EntityFields:
		return "ENTITY_FIELDS"
	case EntityMethods:
		return "ENTITY_METHODS"
	}
	if id < FirstUserHandler {
		return "RESERVED"
	}
	return "USER"
}
