package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tibzejoker/mcp-wrapper-sub000/internal/config"
)

func newTestHub(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Sandbox.Executor = "sh"
	return newTestHubWith(t, cfg)
}

func newTestHubWith(t *testing.T, cfg *config.Config) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Shutdown)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

type testPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialPeer(t *testing.T, url string) *testPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return &testPeer{t: t, conn: conn}
}

func (tp *testPeer) send(raw string) {
	tp.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		tp.t.Fatalf("write: %v", err)
	}
}

func (tp *testPeer) sendJSON(v any) {
	tp.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		tp.t.Fatalf("marshal: %v", err)
	}
	tp.send(string(data))
}

func (tp *testPeer) read() map[string]any {
	tp.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := tp.conn.Read(ctx)
	if err != nil {
		tp.t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		tp.t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

// readType discards frames until one of the wanted type arrives.
// Broadcasts interleave with replies, so most assertions go through
// here.
func (tp *testPeer) readType(want string) map[string]any {
	tp.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := tp.read()
		if msg["type"] == want {
			return msg
		}
	}
	tp.t.Fatalf("no %q message before deadline", want)
	return nil
}

func (tp *testPeer) readClosed(want websocket.StatusCode) {
	tp.t.Helper()
	for i := 0; i < 16; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := tp.conn.Read(ctx)
		cancel()
		if err == nil {
			continue // frames flushed ahead of the close
		}
		if got := websocket.CloseStatus(err); got != want {
			tp.t.Fatalf("close status = %v, want %v", got, want)
		}
		return
	}
	tp.t.Fatal("connection never closed")
}

func mintToken(t *testing.T, client *testPeer) string {
	t.Helper()
	client.send(`{"type":"generate_bridge_id","requestId":"mint"}`)
	msg := client.readType("bridge_id_generated")
	id, _ := msg["bridgeId"].(string)
	if id == "" {
		t.Fatalf("bridge_id_generated without bridgeId: %v", msg)
	}
	return id
}

func registerPortal(t *testing.T, url, token, platform string) *testPeer {
	t.Helper()
	portal := dialPeer(t, url)
	portal.sendJSON(map[string]any{
		"type":     "bridge_register",
		"origin":   "flutter_bridge_portal",
		"bridgeId": token,
		"platform": platform,
	})
	msg := portal.readType("bridge_registered")
	if got := msg["bridgeId"]; got != token {
		t.Fatalf("bridge_registered bridgeId = %v, want %s", got, token)
	}
	return portal
}

func registerBridgeClient(t *testing.T, url, portalID, sessionID, sandboxID string) *testPeer {
	t.Helper()
	bc := dialPeer(t, url)
	bc.sendJSON(map[string]any{
		"type":             "bridge_register",
		"origin":           "sandbox_bridge_client",
		"bridgeId":         portalID,
		"sandboxSessionId": sessionID,
		"actualSandboxId":  sandboxID,
		"instanceId":       "inst-1",
	})
	bc.readType("bridge_registered")
	return bc
}

func TestGenerateBridgeID(t *testing.T) {
	_, url := newTestHub(t)
	client := dialPeer(t, url)

	client.send(`{"type":"generate_bridge_id","requestId":"r1"}`)
	msg := client.readType("bridge_id_generated")

	if got := msg["requestId"]; got != "r1" {
		t.Errorf("requestId = %v, want r1", got)
	}
	id, _ := msg["bridgeId"].(string)
	if len(id) != 8 {
		t.Errorf("bridgeId = %q, want 8 chars", id)
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Errorf("bridgeId %q contains non-hex char %q", id, c)
		}
	}
	expiresAt, _ := msg["expiresAt"].(float64)
	now := float64(time.Now().UnixMilli())
	if expiresAt <= now || expiresAt > now+61_000 {
		t.Errorf("expiresAt = %v, want within 60s of now (%v)", expiresAt, now)
	}

	valid := client.readType("bridge_validation_update")
	ids, _ := valid["validBridgeIds"].([]any)
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("validBridgeIds = %v, want [%s]", ids, id)
	}
}

func TestPortalRegisterInvalidToken(t *testing.T) {
	_, url := newTestHub(t)
	portal := dialPeer(t, url)

	portal.sendJSON(map[string]any{
		"type":     "bridge_register",
		"origin":   "flutter_bridge_portal",
		"bridgeId": "deadbeef",
	})

	msg := portal.readType("error")
	if errText, _ := msg["error"].(string); !strings.Contains(errText, "invalid or expired") {
		t.Errorf("error = %q, want invalid/expired token message", errText)
	}
	portal.readClosed(websocket.StatusPolicyViolation)
}

func TestPortalRegisterBroadcasts(t *testing.T) {
	_, url := newTestHub(t)
	client := dialPeer(t, url)
	token := mintToken(t, client)

	registerPortal(t, url, token, "test_platform")

	status := client.readType("bridge_status_update")
	bridges, _ := status["bridges"].([]any)
	if len(bridges) != 1 {
		t.Fatalf("bridges = %v, want one entry", bridges)
	}
	bridge := bridges[0].(map[string]any)
	if bridge["bridgeId"] != token {
		t.Errorf("bridgeId = %v, want %s", bridge["bridgeId"], token)
	}
	if bridge["status"] != "connected" {
		t.Errorf("status = %v, want connected", bridge["status"])
	}
	if bridge["platform"] != "test_platform" {
		t.Errorf("platform = %v, want test_platform", bridge["platform"])
	}

	// Registration consumed the token, so the validation set empties.
	valid := client.read()
	if valid["type"] != "bridge_validation_update" {
		t.Fatalf("after status, got %v, want bridge_validation_update", valid["type"])
	}
	if ids, _ := valid["validBridgeIds"].([]any); len(ids) != 0 {
		t.Errorf("validBridgeIds after consumption = %v, want empty", ids)
	}

	assignments := client.read()
	if assignments["type"] != "bridge_assignments_update" {
		t.Errorf("after validation, got %v, want bridge_assignments_update", assignments["type"])
	}
}

func TestTokenSingleConsumption(t *testing.T) {
	_, url := newTestHub(t)
	client := dialPeer(t, url)
	token := mintToken(t, client)

	registerPortal(t, url, token, "first")

	second := dialPeer(t, url)
	second.sendJSON(map[string]any{
		"type":     "bridge_register",
		"origin":   "flutter_bridge_portal",
		"bridgeId": token,
	})
	second.readType("error")
	second.readClosed(websocket.StatusPolicyViolation)
}

func TestBridgeClientRequiresLivePortal(t *testing.T) {
	_, url := newTestHub(t)
	peer := dialPeer(t, url)

	peer.sendJSON(map[string]any{
		"type":             "bridge_register",
		"origin":           "sandbox_bridge_client",
		"bridgeId":         "deadbeef",
		"sandboxSessionId": "session-1",
		"actualSandboxId":  "sbX",
	})
	msg := peer.readType("error")
	if errText, _ := msg["error"].(string); !strings.Contains(errText, "portal not connected") {
		t.Errorf("error = %q, want portal not connected", errText)
	}

	// The connection stays open and unclassified.
	peer.send(`{"type":"generate_bridge_id","requestId":"still-alive"}`)
	if msg := peer.readType("bridge_id_generated"); msg["requestId"] != "still-alive" {
		t.Errorf("requestId = %v, want still-alive", msg["requestId"])
	}
}

func TestHappyPathForwarding(t *testing.T) {
	_, url := newTestHub(t)
	client := dialPeer(t, url)
	token := mintToken(t, client)
	portal := registerPortal(t, url, token, "test")
	bc := registerBridgeClient(t, url, token, "session-1", "sbA")

	bc.sendJSON(map[string]any{
		"type":                  "fs_read",
		"targetFlutterBridgeId": token,
		"sandboxSessionId":      "session-1",
		"actualSandboxId":       "sbA",
		"requestId":             "s-7",
		"payload":               map[string]any{"path": "/x"},
	})

	fwd := portal.readType("fs_read")
	fid, _ := fwd["requestId"].(string)
	if !strings.HasPrefix(fid, "fwd-") {
		t.Errorf("forwarded requestId = %q, want fwd- prefix", fid)
	}
	if fid == "s-7" {
		t.Error("forwarded id must differ from the sandbox-local id")
	}
	routing, _ := fwd["routingInfo"].(map[string]any)
	if routing["targetFlutterBridgeId"] != token ||
		routing["sandboxSessionId"] != "session-1" ||
		routing["actualSandboxId"] != "sbA" {
		t.Errorf("routingInfo = %v", routing)
	}
	payload, _ := fwd["payload"].(map[string]any)
	if payload["path"] != "/x" {
		t.Errorf("payload = %v, want path /x", payload)
	}

	portal.sendJSON(map[string]any{
		"type":      "bridge_response_from_portal",
		"requestId": fid,
		"response":  map[string]any{"data": "abc"},
	})

	resp := bc.readType("bridge_response")
	if resp["requestId"] != "s-7" {
		t.Errorf("requestId = %v, want s-7", resp["requestId"])
	}
	response, _ := resp["response"].(map[string]any)
	if response["data"] != "abc" {
		t.Errorf("response = %v, want data abc", response)
	}
}

func TestForwardToMissingPortal(t *testing.T) {
	srv, url := newTestHub(t)
	client := dialPeer(t, url)
	token := mintToken(t, client)
	portal := registerPortal(t, url, token, "test")
	bc := registerBridgeClient(t, url, token, "session-1", "sbA")

	portal.conn.CloseNow()
	waitForPortalGone(t, srv, token)

	bc.sendJSON(map[string]any{
		"type":                  "fs_write",
		"targetFlutterBridgeId": token,
		"sandboxSessionId":      "session-1",
		"actualSandboxId":       "sbA",
		"requestId":             "s-8",
		"payload":               map[string]any{"path": "/y"},
	})

	resp := bc.readType("bridge_response")
	if resp["requestId"] != "s-8" {
		t.Errorf("requestId = %v, want s-8", resp["requestId"])
	}
	response, _ := resp["response"].(map[string]any)
	if response["error"] != "portal unavailable" {
		t.Errorf("response = %v, want portal unavailable", response)
	}
}

func TestPortalVanishMidFlight(t *testing.T) {
	_, url := newTestHub(t)
	client := dialPeer(t, url)
	token := mintToken(t, client)
	portal := registerPortal(t, url, token, "test")
	bc := registerBridgeClient(t, url, token, "session-1", "sbA")

	bc.sendJSON(map[string]any{
		"type":                  "http_request",
		"targetFlutterBridgeId": token,
		"sandboxSessionId":      "session-1",
		"actualSandboxId":       "sbA",
		"requestId":             "s-9",
		"payload":               map[string]any{"url": "http://example.com"},
	})

	// The forward reached the portal, which dies without replying.
	portal.readType("http_request")
	portal.conn.CloseNow()

	resp := bc.readType("bridge_response")
	if resp["requestId"] != "s-9" {
		t.Errorf("requestId = %v, want s-9", resp["requestId"])
	}
	response, _ := resp["response"].(map[string]any)
	if response["error"] != "peer disconnected" {
		t.Errorf("response = %v, want peer disconnected", response)
	}
}

func TestWrongRoleRejected(t *testing.T) {
	_, url := newTestHub(t)
	client := dialPeer(t, url)
	token := mintToken(t, client)
	portal := registerPortal(t, url, token, "test")

	portal.send(`{"type":"start","sandboxId":"sbZ","config":{"scriptPath":"/tmp/x"}}`)
	msg := portal.readType("error")
	if errText, _ := msg["error"].(string); !strings.Contains(errText, "not a client connection") {
		t.Errorf("error = %q, want role rejection", errText)
	}

	client.send(`{"type":"bridge_register","origin":"flutter_bridge_portal","bridgeId":"whatever"}`)
	msg = client.readType("error")
	if errText, _ := msg["error"].(string); !strings.Contains(errText, "already registered") {
		t.Errorf("error = %q, want already-registered rejection", errText)
	}
}

func TestMalformedAndUnknownTypes(t *testing.T) {
	_, url := newTestHub(t)
	peer := dialPeer(t, url)

	peer.send(`this is not json`)
	msg := peer.readType("error")
	if errText, _ := msg["error"].(string); !strings.Contains(errText, "invalid message format") {
		t.Errorf("error = %q, want invalid message format", errText)
	}

	peer.send(`{"type":"bogus_type"}`)
	msg = peer.readType("error")
	if errText, _ := msg["error"].(string); !strings.Contains(errText, "unknown message type: bogus_type") {
		t.Errorf("error = %q, want unknown type message", errText)
	}

	// Protocol errors leave the connection open.
	peer.send(`{"type":"generate_bridge_id","requestId":"after-errors"}`)
	if msg := peer.readType("bridge_id_generated"); msg["requestId"] != "after-errors" {
		t.Errorf("requestId = %v, want after-errors", msg["requestId"])
	}
}

func TestGetBridgeStatusPull(t *testing.T) {
	_, url := newTestHub(t)
	client := dialPeer(t, url)
	token := mintToken(t, client)
	registerPortal(t, url, token, "pull_test")

	// A fresh client's first action classifies it; the snapshot it
	// pulls must already contain the portal.
	fresh := dialPeer(t, url)
	fresh.send(`{"type":"get_bridge_status"}`)
	status := fresh.readType("bridge_status_update")
	bridges, _ := status["bridges"].([]any)
	if len(bridges) != 1 {
		t.Fatalf("bridges = %v, want one entry", bridges)
	}
	if got := bridges[0].(map[string]any)["bridgeId"]; got != token {
		t.Errorf("bridgeId = %v, want %s", got, token)
	}
}

func TestGetConnectedSandboxesRequiresBridgeID(t *testing.T) {
	_, url := newTestHub(t)
	client := dialPeer(t, url)

	client.send(`{"type":"get_connected_sandboxes"}`)
	msg := client.readType("error")
	if errText, _ := msg["error"].(string); !strings.Contains(errText, "requires bridgeId") {
		t.Errorf("error = %q, want missing bridgeId message", errText)
	}
}

func TestCapabilitiesReport(t *testing.T) {
	_, url := newTestHub(t)
	client := dialPeer(t, url)
	token := mintToken(t, client)
	portal := registerPortal(t, url, token, "test")
	client.readType("bridge_status_update")

	portal.sendJSON(map[string]any{
		"type":         "bridge_capabilities_report",
		"bridgeId":     token,
		"capabilities": map[string]any{"fs": true, "http": false},
	})

	status := client.readType("bridge_status_update")
	bridges, _ := status["bridges"].([]any)
	if len(bridges) != 1 {
		t.Fatalf("bridges = %v, want one entry", bridges)
	}
	caps, _ := bridges[0].(map[string]any)["capabilities"].(map[string]any)
	if caps["fs"] != true || caps["http"] != false {
		t.Errorf("capabilities = %v", caps)
	}

	portal.sendJSON(map[string]any{
		"type":         "bridge_capabilities_report",
		"bridgeId":     "not-mine",
		"capabilities": map[string]any{},
	})
	msg := portal.readType("error")
	if errText, _ := msg["error"].(string); !strings.Contains(errText, "bridge id mismatch") {
		t.Errorf("error = %q, want bridge id mismatch", errText)
	}
}

func TestHealthz(t *testing.T) {
	_, url := newTestHub(t)
	httpURL := "http" + strings.TrimPrefix(url, "ws")

	resp, err := http.Get(httpURL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func waitForPortalGone(t *testing.T, srv *Server, portalID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.reg.Portal(portalID) == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("portal %s never removed", portalID)
}
