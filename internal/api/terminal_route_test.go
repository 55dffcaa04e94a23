package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestTerminalRouteRejectsNotRunning(t *testing.T) {
	h := newTestServer(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	created := decodeVM(t, postJSON(t, ts, "/vms", createVMRequest{Name: "term1", ImageID: h.img.ID}))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/vms/" + created.ID + "/terminal"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail for a non-running vm")
	}
	if resp == nil || resp.StatusCode != 400 {
		status := -1
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestTerminalRouteHappyPath(t *testing.T) {
	h := newTestServer(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	created := decodeVM(t, postJSON(t, ts, "/vms", createVMRequest{Name: "term2", ImageID: h.img.ID}))
	started := decodeVM(t, postJSON(t, ts, "/vms/"+created.ID+"/start", nil))
	defer postJSON(t, ts, "/vms/"+created.ID+"/stop", nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/vms/" + started.ID + "/terminal"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ready struct {
		Ready bool `json:"ready"`
	}
	if err := conn.ReadJSON(&ready); err != nil {
		t.Fatalf("read ready frame: %v", err)
	}
	if !ready.Ready {
		t.Fatal("expected ready=true")
	}
}

func TestTerminalRouteRejectsSecondConnection(t *testing.T) {
	h := newTestServer(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	created := decodeVM(t, postJSON(t, ts, "/vms", createVMRequest{Name: "term3", ImageID: h.img.ID}))
	decodeVM(t, postJSON(t, ts, "/vms/"+created.ID+"/start", nil))
	defer postJSON(t, ts, "/vms/"+created.ID+"/stop", nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/vms/" + created.ID + "/terminal"
	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer conn1.Close()

	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ready json.RawMessage
	if err := conn1.ReadJSON(&ready); err != nil {
		t.Fatalf("read ready on first conn: %v", err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected second concurrent dial to fail")
	}
	if resp == nil || resp.StatusCode != 409 {
		status := -1
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("status = %d, want 409", status)
	}
}
