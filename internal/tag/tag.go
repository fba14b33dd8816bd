// Package tag implements the reference tag embedded in delivered chat
// messages. A tag links a message back to the task that produced it and the
// role the message plays in that task's lifecycle.
package tag

import (
	"fmt"
	"strconv"
	"strings"
)

// Namespace prefixes every tag this deployment emits. Tags carrying a
// different prefix belong to some other system and parse to nothing.
const Namespace = "valet"

// Role describes what a tagged message represents.
type Role string

const (
	RoleNone     Role = ""
	RoleAck      Role = "ack"
	RoleProgress Role = "progress"
	RoleResult   Role = "result"
)

// Precedence orders roles so that cached-message upserts never downgrade a
// result-tagged message. Higher wins.
func (r Role) Precedence() int {
	switch r {
	case RoleAck:
		return 1
	case RoleProgress:
		return 2
	case RoleResult:
		return 3
	default:
		return 0
	}
}

func validRole(r Role) bool {
	return r == RoleAck || r == RoleProgress || r == RoleResult
}

// Format renders the tag for a task and role: "valet:task:<id>:<role>".
func Format(taskID int64, role Role) string {
	return fmt.Sprintf("%s:task:%d:%s", Namespace, taskID, role)
}

// Parse is the inverse of Format. Unparseable or foreign-prefixed strings
// return (0, RoleNone, false) rather than an error: an unrecognized tag just
// means the message is not one of ours.
func Parse(s string) (taskID int64, role Role, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != Namespace || parts[1] != "task" {
		return 0, RoleNone, false
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || id <= 0 {
		return 0, RoleNone, false
	}
	r := Role(parts[3])
	if !validRole(r) {
		return 0, RoleNone, false
	}
	return id, r, true
}
