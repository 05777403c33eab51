// Package router moves chat commands and responses between the secure
// channel and the chat engine. The host side filters satellite
// commands against an allowlist, forwards the rest, and mirrors
// replies and events back; the satellite side correlates replies to
// pending commands and queues across outages.
package router

// Verdict classifies a command tag.
type Verdict int

const (
	// VerdictForward passes the command to the chat engine.
	VerdictForward Verdict = iota

	// VerdictDenied rejects the command with an error reply.
	VerdictDenied

	// VerdictMirror forwards the command and additionally applies its
	// effect to the host's own chat view.
	VerdictMirror
)

// deniedTags are commands a satellite must never run. Each maps to a
// short reason included in the error reply.
var deniedTags = map[string]string{
	// Process lifecycle stays with the host; a satellite stopping the
	// engine would sever its own session.
	"apiStopChat":     "process lifecycle is host-only",
	"apiSuspendChat":  "process lifecycle is host-only",
	"apiActivateChat": "process lifecycle is host-only",

	// Storage administration can corrupt or exfiltrate the store.
	"apiExportArchive":     "storage administration is host-only",
	"apiImportArchive":     "storage administration is host-only",
	"apiDeleteStorage":     "storage administration is host-only",
	"apiStorageEncryption": "storage administration is host-only",
	"apiExecChatStoreSQL":  "raw SQL execution is host-only",
	"apiExecAgentStoreSQL": "raw SQL execution is host-only",
	"apiSlowSQLQueries":    "query diagnostics are host-only",

	// Credential changes that would orphan the satellite mid-session.
	"apiDeleteUser": "user credential changes are host-only",
	"apiHideUser":   "user credential changes are host-only",
	"apiUnhideUser": "user credential changes are host-only",

	// Network reconfiguration would yank the channel out from under
	// the session.
	"apiSetNetworkConfig": "network configuration is host-only",
	"reconnectAllServers": "network configuration is host-only",

	// Push token management binds to the host device.
	"apiRegisterToken": "notification tokens are host-only",
	"apiVerifyToken":   "notification tokens are host-only",
	"apiDeleteToken":   "notification tokens are host-only",
}

// mirrorTags are forwarded commands whose state change must also land
// on the host's own chat view, keeping both UIs consistent.
var mirrorTags = map[string]bool{
	"apiChatRead":         true,
	"apiChatItemReaction": true,
}

// Classify returns the verdict for a command tag and, for denials, the
// reason.
func Classify(tag string) (Verdict, string) {
	if reason, denied := deniedTags[tag]; denied {
		return VerdictDenied, reason
	}
	if mirrorTags[tag] {
		return VerdictMirror, ""
	}
	return VerdictForward, ""
}
