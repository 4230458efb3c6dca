package stream

import (
	"github.com/gorilla/websocket"

	"github.com/agentrace/engine/internal/codec"
)

// wsMessageType picks the WebSocket opcode for an encoded frame: binary
// when internal/codec applied block compression, text otherwise, so
// clients can tell which framing to expect without inspecting the marker
// byte themselves.
func wsMessageType(raw []byte) int {
	if codec.IsCompressed(raw) {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
