// Package netalloc allocates and releases the tap device, MAC address, and
// IPv4 address triple each running VM needs (C2, §4.2). It talks to the
// kernel directly via netlink — no CNI, no network namespaces: every VM's
// tap is attached straight to a single host bridge.
package netalloc

import (
	"fmt"
	"net"
	"sync"

	"github.com/vishvananda/netlink"

	"github.com/seantiz/ember/internal/ember"
)

// Allocation is the network triple assigned to one VM.
type Allocation struct {
	TapDevice  string
	MACAddress string
	IPAddress  string
}

// Allocator owns the process-wide view of which IPs are in use and the tap
// name counter. Its state is not persisted; Reconcile rebuilds the IP set
// from the currently-running VM records at startup (§3, Network allocation
// state). The tap counter is not rebuilt: it restarts at zero and skips any
// name that already exists as a host link.
type Allocator struct {
	mu sync.Mutex

	bridgeName string
	bridgeAddr string
	tapPrefix  string

	subnet  *net.IPNet
	gateway net.IP

	usedIPs map[string]bool
	nextTap int
}

// New builds an Allocator for the given bridge and subnet. subnetCIDR and
// bridgeAddr are both in CIDR form (e.g. "10.200.0.0/24", "10.200.0.1/24").
func New(bridgeName, bridgeAddr, subnetCIDR, tapPrefix string) (*Allocator, error) {
	gwIP, _, err := net.ParseCIDR(bridgeAddr)
	if err != nil {
		return nil, ember.Wrap(ember.KindValidation, "parse bridge address", err)
	}
	_, subnet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return nil, ember.Wrap(ember.KindValidation, "parse subnet", err)
	}
	return &Allocator{
		bridgeName: bridgeName,
		bridgeAddr: bridgeAddr,
		tapPrefix:  tapPrefix,
		subnet:     subnet,
		gateway:    gwIP,
		usedIPs:    make(map[string]bool),
	}, nil
}

// EnsureBridge creates the host bridge if it does not exist, assigns it the
// configured address, and brings it up.
func (a *Allocator) EnsureBridge() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ensureBridgeLocked()
}

func (a *Allocator) ensureBridgeLocked() error {
	link, err := netlink.LinkByName(a.bridgeName)
	if err != nil {
		bridge := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: a.bridgeName}}
		if err := netlink.LinkAdd(bridge); err != nil {
			return ember.Wrap(ember.KindHostOp, fmt.Sprintf("create bridge %s", a.bridgeName), err)
		}
		link, err = netlink.LinkByName(a.bridgeName)
		if err != nil {
			return ember.Wrap(ember.KindHostOp, "lookup bridge after create", err)
		}
	}

	addr, err := netlink.ParseAddr(a.bridgeAddr)
	if err != nil {
		return ember.Wrap(ember.KindValidation, "parse bridge address", err)
	}
	existing, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return ember.Wrap(ember.KindHostOp, "list bridge addresses", err)
	}
	hasAddr := false
	for _, e := range existing {
		if e.IP.Equal(addr.IP) {
			hasAddr = true
			break
		}
	}
	if !hasAddr {
		if err := netlink.AddrAdd(link, addr); err != nil {
			return ember.Wrap(ember.KindHostOp, "assign bridge address", err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return ember.Wrap(ember.KindHostOp, "bring up bridge", err)
	}
	return nil
}

// Reconcile marks the given IPs as already in use, recomputing in-memory
// allocator state from the currently-running VM records at startup.
func (a *Allocator) Reconcile(ips []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ip := range ips {
		a.usedIPs[ip] = true
	}
}

// Allocate creates a tap device attached to the bridge, picks the next free
// IP in the subnet, and derives the MAC from that IP as 02:FC:<4 octets>,
// so MAC uniqueness follows from IP uniqueness. On any failure, partially
// created resources are rolled back before returning.
func (a *Allocator) Allocate(id string) (*Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureBridgeLocked(); err != nil {
		return nil, err
	}

	ip, err := a.nextFreeIPLocked()
	if err != nil {
		return nil, err
	}

	tapName := a.nextTapNameLocked()
	if err := a.createTapLocked(tapName); err != nil {
		return nil, err
	}

	mac := net.HardwareAddr{0x02, 0xFC, 0, 0, 0, 0}
	copy(mac[2:], net.ParseIP(ip).To4())

	a.usedIPs[ip] = true
	return &Allocation{TapDevice: tapName, MACAddress: mac.String(), IPAddress: ip}, nil
}

// Release detaches and deletes the tap device and frees the IP for reuse.
// It is idempotent: releasing an already-gone tap or an unknown IP is not
// an error (§3 invariant 2, best-effort release).
func (a *Allocator) Release(tapName, ip string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.usedIPs, ip)

	link, err := netlink.LinkByName(tapName)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return ember.Wrap(ember.KindHostOp, fmt.Sprintf("delete tap %s", tapName), err)
	}
	return nil
}

func (a *Allocator) createTapLocked(tapName string) error {
	if existing, err := netlink.LinkByName(tapName); err == nil {
		_ = netlink.LinkDel(existing)
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: tapName},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return ember.Wrap(ember.KindHostOp, fmt.Sprintf("create tap %s", tapName), err)
	}

	link, err := netlink.LinkByName(tapName)
	if err != nil {
		return ember.Wrap(ember.KindHostOp, fmt.Sprintf("lookup tap %s after create", tapName), err)
	}

	bridge, err := netlink.LinkByName(a.bridgeName)
	if err != nil {
		_ = netlink.LinkDel(link)
		return ember.Wrap(ember.KindHostOp, "lookup bridge", err)
	}
	br, ok := bridge.(*netlink.Bridge)
	if !ok {
		_ = netlink.LinkDel(link)
		return ember.New(ember.KindHostOp, fmt.Sprintf("%s is not a bridge", a.bridgeName))
	}
	if err := netlink.LinkSetMaster(link, br); err != nil {
		_ = netlink.LinkDel(link)
		return ember.Wrap(ember.KindHostOp, "attach tap to bridge", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		_ = netlink.LinkDel(link)
		return ember.Wrap(ember.KindHostOp, "bring up tap", err)
	}
	return nil
}

func (a *Allocator) nextTapNameLocked() string {
	for {
		name := fmt.Sprintf("%s%d", a.tapPrefix, a.nextTap)
		a.nextTap++
		if len(name) > 15 {
			name = name[:15]
		}
		if _, err := netlink.LinkByName(name); err != nil {
			return name
		}
	}
}

func (a *Allocator) nextFreeIPLocked() (string, error) {
	return nextFreeIP(a.subnet, a.gateway, a.usedIPs)
}

// nextFreeIP scans subnet for the first address that is neither the
// network/broadcast address, the gateway, nor already in used, returning
// ember.KindExhausted if none remain. Factored out of Allocator so it can
// be exercised without a live netlink handle.
func nextFreeIP(subnet *net.IPNet, gateway net.IP, used map[string]bool) (string, error) {
	ip := cloneIP(subnet.IP)
	for subnet.Contains(ip) {
		incIP(ip)
		if !subnet.Contains(ip) {
			break
		}
		if ip.Equal(gateway) || ip.Equal(broadcastAddr(subnet)) {
			continue
		}
		s := ip.String()
		if !used[s] {
			return s, nil
		}
	}
	return "", ember.New(ember.KindExhausted, "no free IP addresses in subnet")
}

func cloneIP(ip net.IP) net.IP {
	dup := make(net.IP, len(ip))
	copy(dup, ip)
	return dup
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

func broadcastAddr(n *net.IPNet) net.IP {
	ip := cloneIP(n.IP.To4())
	mask := n.Mask
	for i := range ip {
		ip[i] |= ^mask[i]
	}
	return ip
}

// GenerateMAC derives a deterministic, locally-administered MAC address
// from a VM id, so repeated allocation of the same id is stable.
func GenerateMAC(id string) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02 // locally administered, unicast

	hash := uint32(0)
	for _, b := range []byte(id) {
		hash = hash*31 + uint32(b)
	}
	mac[1] = byte(hash >> 24)
	mac[2] = byte(hash >> 16)
	mac[3] = byte(hash >> 8)
	mac[4] = byte(hash)
	mac[5] = byte(hash >> 12)

	return mac
}
