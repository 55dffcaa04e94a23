// Package vmm implements the minimal HTTP/JSON client the lifecycle service
// (C6) uses to program a Firecracker child over its API Unix socket (C3,
// §4.3). It issues single request/response calls only — it
// never spawns or stops the child process itself, which is C5's job.
package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"

	"github.com/seantiz/ember/internal/ember"
)

// Action types accepted by PUT /actions.
const (
	ActionInstanceStart  = "InstanceStart"
	ActionSendCtrlAltDel = "SendCtrlAltDel"
	ActionFlushMetrics   = "FlushMetrics"
)

// BootSource is the PUT /boot-source request body.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args,omitempty"`
}

// NetworkInterface is the PUT /network-interfaces/{id} request body.
type NetworkInterface struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
	GuestMac    string `json:"guest_mac,omitempty"`
}

// Action is the PUT /actions request body.
type Action struct {
	ActionType string `json:"action_type"`
}

// Client issues HTTP/JSON requests against a single Firecracker VMM's API
// socket. It is not safe to retain across VMM process restarts — a fresh
// Client should be built per supervised child.
type Client struct {
	http       *http.Client
	socketPath string
}

// NewClient builds a Client dialing socketPath for every request. Keep-alives
// are disabled: each Client is short-lived (one VMM's lifetime), and pooling
// connections across VMM restarts would leak file descriptors against a
// socket path that may have been recreated.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		DisableKeepAlives: true,
	}
	return &Client{
		http:       &http.Client{Transport: transport, Timeout: 10 * time.Second},
		socketPath: socketPath,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return ember.Wrap(ember.KindVMMAPI, "marshal request body", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
	if err != nil {
		return ember.Wrap(ember.KindVMMAPI, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ember.Wrap(ember.KindVMMAPI, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ember.New(ember.KindVMMAPI, fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, string(msg)))
	}
	return nil
}

// PutMachineConfig programs vcpu count and memory size. Must be called
// before PutBootSource (§4.5: configure order is significant).
func (c *Client) PutMachineConfig(ctx context.Context, cfg models.MachineConfiguration) error {
	return c.do(ctx, http.MethodPut, "/machine-config", cfg)
}

// PutBootSource programs the kernel image and boot arguments.
func (c *Client) PutBootSource(ctx context.Context, bs BootSource) error {
	return c.do(ctx, http.MethodPut, "/boot-source", bs)
}

// PutDrive programs a single drive, identified by drive.DriveID.
func (c *Client) PutDrive(ctx context.Context, drive models.Drive) error {
	id := ""
	if drive.DriveID != nil {
		id = *drive.DriveID
	}
	return c.do(ctx, http.MethodPut, "/drives/"+id, drive)
}

// PutNetworkInterface programs a single NIC, identified by nic.IfaceID.
func (c *Client) PutNetworkInterface(ctx context.Context, nic NetworkInterface) error {
	return c.do(ctx, http.MethodPut, "/network-interfaces/"+nic.IfaceID, nic)
}

// DoAction issues an action (InstanceStart, SendCtrlAltDel).
func (c *Client) DoAction(ctx context.Context, actionType string) error {
	return c.do(ctx, http.MethodPut, "/actions", Action{ActionType: actionType})
}

// WaitReady polls GET / with a capped backoff until the VMM API answers with
// a 2xx status or the context is done (§4.3: "wait_ready(deadline)"). A
// connection error (socket not yet listening, or the VMM still booting)
// counts as not-ready rather than a hard failure. The first wait between
// probes is poll; each later wait doubles, capped at 500ms.
func (c *Client) WaitReady(ctx context.Context, poll time.Duration) error {
	const maxPoll = 500 * time.Millisecond
	delay := poll

	for {
		if c.describeOK(ctx) {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ember.Wrap(ember.KindTimeout, "wait for vmm api ready", ctx.Err())
		case <-timer.C:
		}
		delay *= 2
		if delay > maxPoll {
			delay = maxPoll
		}
	}
}

// describeOK issues GET / (the VMM's instance-info endpoint) and reports
// whether it answered with a 2xx status.
func (c *Client) describeOK(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
