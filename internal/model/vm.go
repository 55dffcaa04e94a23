package model

import "time"

// VM status constants.
const (
	StatusCreating = "creating"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// validTransitions maps each status to the set of statuses it may move to.
// Lifecycle (§4.6): creating -> stopped (registered) -> running (started) ->
// stopped (graceful/forced stop); any of creating/running/stopped may move
// to error on a failed operation, and error may be retried back toward
// running via start.
var validTransitions = map[string]map[string]bool{
	StatusCreating: {
		StatusStopped: true,
		StatusError:   true,
	},
	StatusStopped: {
		StatusRunning: true,
		StatusError:   true,
	},
	StatusRunning: {
		StatusStopped: true,
		StatusError:   true,
	},
	StatusError: {
		StatusRunning: true,
		StatusStopped: true,
	},
}

// ValidTransition reports whether transitioning from one VM status to
// another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// VM represents a single microVM record (§3, VM record).
type VM struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	VCPUs      int        `json:"vcpus"`
	MemoryMiB  int        `json:"memory_mib"`
	ImageID    string     `json:"image_id"`
	PID        *int       `json:"pid,omitempty"`
	SocketPath *string    `json:"socket_path,omitempty"`
	TapDevice  *string    `json:"tap_device,omitempty"`
	MACAddress *string    `json:"mac_address,omitempty"`
	IPAddress  *string    `json:"ip_address,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"-"`
}

// Running reports whether the VM invariant fields for a live VMM are all
// populated (§3 invariant 1).
func (v *VM) Running() bool {
	return v.Status == StatusRunning &&
		v.PID != nil && v.SocketPath != nil &&
		v.TapDevice != nil && v.MACAddress != nil && v.IPAddress != nil
}

// VMPatch is an atomic single-row update applied by Store.UpdateFields.
// Only non-nil fields are written; Status, when set, is always written
// alongside a fresh UpdatedAt by the store.
type VMPatch struct {
	Status     *string
	PID        *int
	ClearPID   bool
	SocketPath *string
	ClearSock  bool
	TapDevice  *string
	ClearTap   bool
	MACAddress *string
	ClearMAC   bool
	IPAddress  *string
	ClearIP    bool
	Error      *string
}

// Image represents a pulled VM boot image (§3, Image record).
type Image struct {
	ID         string    `json:"id"`
	Reference  string    `json:"reference"`
	KernelPath string    `json:"kernel_path"`
	RootfsPath string    `json:"rootfs_path"`
	SizeBytes  *int64    `json:"size_bytes,omitempty"`
	PulledAt   time.Time `json:"pulled_at"`
}
