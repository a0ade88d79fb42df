package protocol

import "fmt"

// NATS subject constants and helpers.
const (
	SubjectRegistry     = "deskbridge.registry"
	SubjectHeartbeatAll = "deskbridge.heartbeat.>"
)

// SubjectUI is where effects that touch UI-owned state are handed off to
// the desktop application named app.
func SubjectUI(app string) string {
	return fmt.Sprintf("deskbridge.ui.%s", app)
}

func SubjectCommands(agentName string) string {
	return fmt.Sprintf("deskbridge.commands.%s", agentName)
}

func SubjectHeartbeat(agentName string) string {
	return fmt.Sprintf("deskbridge.heartbeat.%s", agentName)
}
