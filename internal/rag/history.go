package rag

import (
	"strings"

	"github.com/deepyad/helpdesk/internal/models"
)

// FormatHistory renders the last maxTurns user/assistant messages as
// role-prefixed lines for inclusion in the agent prompt. Tool and system
// messages are skipped; they carry no conversational context the model
// doesn't already get elsewhere.
func FormatHistory(messages []models.Message, maxTurns int) string {
	var lines []string
	for _, m := range messages {
		switch m.Role {
		case models.RoleUser:
			if m.Content != "" {
				lines = append(lines, "User: "+m.Content)
			}
		case models.RoleAssistant:
			if m.Content != "" {
				lines = append(lines, "Agent: "+m.Content)
			}
		}
	}
	if len(lines) == 0 {
		return "(No previous conversation)"
	}
	if maxTurns > 0 && len(lines) > maxTurns {
		lines = lines[len(lines)-maxTurns:]
	}
	return strings.Join(lines, "\n")
}
