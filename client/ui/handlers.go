package ui

import (
	"dmsim/client/conn"
	"dmsim/protocol"
)

// setupHandlers reacts to packets that are not replies to our requests.
// Conversation events go to the open chat session through its
// subscription instead.
func (a *App) setupHandlers(client *conn.Client) {
	// bye from the server, or a dropped connection
	client.OnPacket(protocol.TypeBye, func(pkt *protocol.Packet) {
		reason, details := pkt.Arg(0), pkt.Arg(1)
		a.log.Info().Str("reason", reason).Msg("Disconnected")
		a.app.QueueUpdateDraw(func() {
			if a.client != client {
				return
			}
			a.dropConnection()
			a.showDisconnectNotification(reason, details)
		})
	})
}
