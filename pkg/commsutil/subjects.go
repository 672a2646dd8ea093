package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectAgentPrefix  = "browser.agent"
	SubjectResultEvents = "browser.results"
)

// Relay HTTP paths shared by the poll transport and the relay server.
const (
	PathCommand = "/command"
	PathPoll    = "/poll"
	PathResult  = "/result"
	PathStatus  = "/status"
	PathSocket  = "/ws"
)

func safeToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "default"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// BuildCommandSubject is the subject an agent listens on for commands.
func BuildCommandSubject(agent string) string {
	return fmt.Sprintf("%s.%s.commands", SubjectAgentPrefix, safeToken(agent))
}

// BuildResultSubject is the subject an agent publishes result frames to.
func BuildResultSubject(agent string) string {
	return fmt.Sprintf("%s.%s.results", SubjectAgentPrefix, safeToken(agent))
}

// BuildHeartbeatSubject is the subject an agent publishes heartbeats to.
func BuildHeartbeatSubject(agent string) string {
	return fmt.Sprintf("%s.%s.heartbeat", SubjectAgentPrefix, safeToken(agent))
}

// BuildResultEventSubject builds a granular result event subject.
func BuildResultEventSubject(base, commandType string) string {
	if base == "" {
		base = SubjectResultEvents
	}
	return fmt.Sprintf("%s.%s", base, safeToken(commandType))
}
