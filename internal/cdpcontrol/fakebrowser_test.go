package cdpcontrol

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type fakeTarget struct {
	ID       string
	URL      string
	Title    string
	Type     string
	WindowID int64
	Visible  bool
	Focused  bool
}

// fakeBrowser speaks enough of the browser-level CDP protocol over a real
// WebSocket for the client to be exercised end to end.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	targets  []*fakeTarget
	nextID   int
	methods  []string
	bindings map[string]int
	scripts  int
	// evalResult, when set, answers Runtime.evaluate for non-probe scripts.
	evalResult func(targetID, expr string) string
	// rejectGetTargets makes Target.getTargets fail over the socket.
	rejectGetTargets bool

	writeMu sync.Mutex
	conn    net.Conn
}

func newFakeBrowser(t *testing.T, targets ...*fakeTarget) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{t: t, targets: targets, bindings: make(map[string]int)}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "Chrome/126.0.0.0",
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/fake",
		})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		list := make([]any, 0, len(fb.targets))
		for _, t := range fb.targets {
			info := targetInfo(t)
			list = append(list, map[string]any{"id": info["targetId"], "type": info["type"], "title": info["title"], "url": info["url"]})
		}
		_ = json.NewEncoder(w).Encode(list)
	})
	mux.HandleFunc("/devtools/browser/fake", fb.serveWS)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.close)
	return fb
}

func (fb *fakeBrowser) URL() string { return fb.srv.URL }

func (fb *fakeBrowser) close() {
	fb.writeMu.Lock()
	if fb.conn != nil {
		fb.conn.Close()
	}
	fb.writeMu.Unlock()
	fb.srv.Close()
}

func (fb *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	fb.writeMu.Lock()
	fb.conn = conn
	fb.writeMu.Unlock()
	defer conn.Close()

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		fb.mu.Lock()
		fb.methods = append(fb.methods, req.Method)
		fb.mu.Unlock()

		result, cdpErr, after := fb.handle(req.Method, req.SessionID, req.Params)
		resp := map[string]any{"id": req.ID}
		if cdpErr != "" {
			resp["error"] = map[string]any{"code": -32000, "message": cdpErr}
		} else {
			resp["result"] = result
		}
		fb.write(resp)
		for _, fn := range after {
			fn()
		}
	}
}

func (fb *fakeBrowser) write(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		fb.t.Errorf("fake browser marshal: %v", err)
		return
	}
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	if fb.conn == nil {
		return
	}
	_ = wsutil.WriteServerText(fb.conn, data)
}

// emit pushes a CDP event to the client.
func (fb *fakeBrowser) emit(method, sessionID string, params any) {
	msg := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	fb.write(msg)
}

func targetInfo(t *fakeTarget) map[string]any {
	typ := t.Type
	if typ == "" {
		typ = "page"
	}
	return map[string]any{
		"targetId":        t.ID,
		"type":            typ,
		"title":           t.Title,
		"url":             t.URL,
		"attached":        false,
		"canAccessOpener": false,
	}
}

func (fb *fakeBrowser) find(id string) *fakeTarget {
	for _, t := range fb.targets {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (fb *fakeBrowser) handle(method, sessionID string, raw json.RawMessage) (any, string, []func()) {
	var params struct {
		TargetID string `json:"targetId"`
		URL      string `json:"url"`
		Name     string `json:"name"`
		Expr     string `json:"expression"`
	}
	_ = json.Unmarshal(raw, &params)

	fb.mu.Lock()
	defer fb.mu.Unlock()

	switch method {
	case "Target.getTargets":
		if fb.rejectGetTargets {
			return nil, "Target.getTargets is not available", nil
		}
		infos := make([]any, 0, len(fb.targets))
		for _, t := range fb.targets {
			infos = append(infos, targetInfo(t))
		}
		return map[string]any{"targetInfos": infos}, "", nil

	case "Target.setDiscoverTargets":
		// Real browsers announce every existing target first.
		for _, t := range fb.targets {
			fb.emit("Target.targetCreated", "", map[string]any{"targetInfo": targetInfo(t)})
		}
		return map[string]any{}, "", nil

	case "Browser.getWindowForTarget":
		t := fb.find(params.TargetID)
		if t == nil {
			return nil, "No target with given id found", nil
		}
		return map[string]any{"windowId": t.WindowID, "bounds": map[string]any{}}, "", nil

	case "Target.closeTarget":
		t := fb.find(params.TargetID)
		if t == nil {
			return nil, "No target with given id found", nil
		}
		kept := fb.targets[:0]
		for _, other := range fb.targets {
			if other.ID != t.ID {
				kept = append(kept, other)
			}
		}
		fb.targets = kept
		id := t.ID
		return map[string]any{"success": true}, "", []func(){func() {
			fb.emit("Target.targetDestroyed", "", map[string]any{"targetId": id})
		}}

	case "Target.activateTarget":
		if fb.find(params.TargetID) == nil {
			return nil, "No target with given id found", nil
		}
		return map[string]any{}, "", nil

	case "Target.createTarget":
		fb.nextID++
		t := &fakeTarget{ID: fmt.Sprintf("new-%d", fb.nextID), URL: params.URL, WindowID: 1}
		fb.targets = append(fb.targets, t)
		info := targetInfo(t)
		return map[string]any{"targetId": t.ID}, "", []func(){func() {
			fb.emit("Target.targetCreated", "", map[string]any{"targetInfo": info})
		}}

	case "Target.attachToTarget":
		if fb.find(params.TargetID) == nil {
			return nil, "No target with given id found", nil
		}
		return map[string]any{"sessionId": "session-" + params.TargetID}, "", nil

	case "Runtime.addBinding":
		fb.bindings[params.Name]++
		return map[string]any{}, "", nil

	case "Page.addScriptToEvaluateOnNewDocument":
		fb.scripts++
		return map[string]any{"identifier": "1"}, "", nil

	case "Runtime.enable", "Page.enable", "Target.detachFromTarget":
		return map[string]any{}, "", nil

	case "Runtime.evaluate":
		id := strings.TrimPrefix(sessionID, "session-")
		t := fb.find(id)
		if t == nil {
			return nil, "Session with given id not found", nil
		}
		var value string
		switch {
		case strings.Contains(params.Expr, "visibilityState"):
			value = fmt.Sprintf(`{"ok":true,"data":{"visible":%t,"focused":%t}}`, t.Visible, t.Focused)
		case fb.evalResult != nil:
			value = fb.evalResult(id, params.Expr)
		default:
			value = `{"ok":true}`
		}
		return map[string]any{"result": map[string]any{"type": "string", "value": value}}, "", nil
	}
	return nil, "method not found: " + method, nil
}

func (fb *fakeBrowser) methodCount(method string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	n := 0
	for _, m := range fb.methods {
		if m == method {
			n++
		}
	}
	return n
}

func (fb *fakeBrowser) addTarget(t *fakeTarget) {
	fb.mu.Lock()
	fb.targets = append(fb.targets, t)
	fb.mu.Unlock()
}
