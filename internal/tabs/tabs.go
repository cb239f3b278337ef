// Package tabs holds the browser-neutral tab types shared by the admission
// loop, the dispatcher and the page agent host.
package tabs

import "strings"

// ID identifies a tab. For CDP-backed browsers it is the page target ID.
type ID string

// WindowID identifies a browser window. Zero means the tab is not yet
// attached to a window.
type WindowID int64

// NoWindow is the zero WindowID reported for tabs that are still detached.
const NoWindow WindowID = 0

// Tab describes a single browser tab.
type Tab struct {
	ID       ID       `json:"id"`
	WindowID WindowID `json:"window_id"`
	URL      string   `json:"url"`
	Title    string   `json:"title,omitempty"`
	Active   bool     `json:"active,omitempty"`
}

// HasWindow reports whether the tab is attached to a window.
func (t Tab) HasWindow() bool {
	return t.WindowID != NoWindow
}

// ChangeInfo carries the properties that changed in a tab update. URL is
// empty unless the update was a navigation.
type ChangeInfo struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// IsHTTP reports whether url uses the http or https scheme.
func IsHTTP(url string) bool {
	lower := strings.ToLower(url)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Action names a request understood by the page agent.
type Action string

const (
	ActionShowLimitPopup       Action = "showLimitPopup"
	ActionTriggerQuizChallenge Action = "triggerQuizChallenge"
)

// Message is the request sent from the daemon to the page agent of a tab.
type Message struct {
	Action  Action `json:"action"`
	MaxTabs int    `json:"maxTabs"`
}

// Reply is the page agent's answer to a Message.
type Reply struct {
	Success bool `json:"success"`
	// Duplicate is set when the requested panel was already on screen.
	Duplicate bool `json:"duplicate,omitempty"`
}
