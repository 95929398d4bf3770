package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hamzawahab/parley/internal/config"
	"github.com/hamzawahab/parley/internal/events"
	"github.com/hamzawahab/parley/internal/logger"
)

const (
	announceInterval = 5 * time.Second
	peerExpiry       = 15 * time.Second
)

// Peer represents a Parley client seen on the LAN.
type Peer struct {
	ID          string
	Username    string
	IP          string
	Port        int
	Status      events.Status
	ProfileName string
	ProfileText string
	Avatar      string
	LastSeen    time.Time
	Secret      string
}

// Online reports whether the peer is currently reachable.
func (p *Peer) Online() bool {
	return p.Status != events.StatusOffline && p.Status != ""
}

// Buddy is the peer's identity as shown in the UI.
func (p *Peer) Buddy() events.Buddy {
	name := p.ProfileName
	if name == "" {
		name = p.Username
	}
	return events.Buddy{ID: p.ID, Name: name}
}

type announcement struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Timestamp   int64  `json:"ts"`
	Secret      string `json:"secret"`
	Status      string `json:"status"`
	ProfileName string `json:"profile_name,omitempty"`
	ProfileText string `json:"profile_text,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// DiscoveryService handles LAN peer discovery over UDP broadcasts and turns
// what it sees into buddy list events.
type DiscoveryService struct {
	cfg        *config.Config
	logger     *logger.Logger
	dispatcher Dispatcher
	peers      map[string]*Peer
	removed    map[string]bool
	onOnline   func(peerID string)
	mu         sync.RWMutex
	localMu    sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	wait       sync.WaitGroup
	started    bool
	now        func() time.Time

	localUser    string
	localIP      string
	localPort    int
	localStatus  string
	localProfile [2]string
	localAvatar  string
}

func NewDiscoveryService(cfg *config.Config, logger *logger.Logger, dispatcher Dispatcher) *DiscoveryService {
	ctx, cancel := context.WithCancel(context.Background())
	return &DiscoveryService{
		cfg:          cfg,
		logger:       logger,
		dispatcher:   dispatcher,
		peers:        make(map[string]*Peer),
		removed:      make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
		now:          time.Now,
		localStatus:  cfg.Status,
		localProfile: [2]string{cfg.ProfileName, cfg.ProfileText},
	}
}

// OnOnline registers fn to run, on its own goroutine, whenever a peer
// becomes reachable.
func (d *DiscoveryService) OnOnline(fn func(peerID string)) {
	d.mu.Lock()
	d.onOnline = fn
	d.mu.Unlock()
}

// Start launches announcer, listener and expiry goroutines.
func (d *DiscoveryService) Start(username, ip string, port int) error {
	if d.started {
		return nil
	}
	d.localMu.Lock()
	d.localUser = username
	d.localIP = ip
	d.localPort = port
	if d.cfg.AvatarFile != "" {
		if sum, err := fileChecksum(d.cfg.AvatarFile); err == nil {
			d.localAvatar = sum
		} else {
			d.logger.Warn("avatar %s: %v", d.cfg.AvatarFile, err)
		}
	}
	d.localMu.Unlock()
	d.wait.Add(3)
	go d.listenLoop()
	go d.announceLoop()
	go d.expireLoop()
	d.started = true
	return nil
}

// Stop requests goroutines to wind down.
func (d *DiscoveryService) Stop() {
	if !d.started {
		return
	}
	d.cancel()
	d.wait.Wait()
	d.started = false
}

func (d *DiscoveryService) isStopping() bool {
	return d.ctx.Err() != nil
}

// UpdateLocalUser switches the announcer to a new username.
func (d *DiscoveryService) UpdateLocalUser(username string) {
	d.localMu.Lock()
	d.localUser = username
	d.localMu.Unlock()
	go d.ForceAnnounce()
}

// UpdateLocalStatus changes the presence advertised to peers.
func (d *DiscoveryService) UpdateLocalStatus(status events.Status) {
	d.localMu.Lock()
	d.localStatus = string(status)
	d.localMu.Unlock()
	go d.ForceAnnounce()
}

// UpdateProfile changes the advertised profile name and text.
func (d *DiscoveryService) UpdateProfile(name, text string) {
	d.localMu.Lock()
	d.localProfile = [2]string{name, text}
	d.localMu.Unlock()
	go d.ForceAnnounce()
}

// UpdateLocalEndpoint refreshes the local IP/port and resets peer cache for new networks.
func (d *DiscoveryService) UpdateLocalEndpoint(ip string, port int) {
	if ip == "" && port <= 0 {
		return
	}
	d.localMu.Lock()
	if ip != "" {
		d.localIP = ip
	}
	if port > 0 {
		d.localPort = port
	}
	d.localMu.Unlock()

	d.mu.Lock()
	var dropped []events.Buddy
	for _, p := range d.peers {
		if p.Online() {
			dropped = append(dropped, p.Buddy())
		}
		p.Status = events.StatusOffline
	}
	d.mu.Unlock()
	for _, b := range dropped {
		d.emit(events.StatusChanged{Buddy: b, Status: events.StatusOffline})
	}

	go d.ForceAnnounce()
}

// ForceAnnounce immediately broadcasts the latest local identity.
func (d *DiscoveryService) ForceAnnounce() {
	if !d.started || d.isStopping() {
		return
	}
	payload, ok := d.prepareAnnouncement()
	if !ok {
		return
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		d.logger.Error("force announce socket: %v", err)
		return
	}
	defer conn.Close()
	if err := enableBroadcast(conn); err != nil {
		d.logger.Warn("force announce broadcast: %v", err)
	}
	_ = conn.SetWriteBuffer(1024)
	addrs := d.broadcastAddrs()
	d.writeAnnouncement(conn, payload, addrs)
}

// ListPeers returns every known peer, online ones first.
func (d *DiscoveryService) ListPeers() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Peer, 0, len(d.peers))
	for _, peer := range d.peers {
		clone := *peer
		clone.Secret = ""
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Online() != out[j].Online() {
			return out[i].Online()
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// Resolve takes a peer ID, username or IP string and returns the matching peer.
func (d *DiscoveryService) Resolve(target string) (*Peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if peer, ok := d.peers[target]; ok {
		clone := *peer
		return &clone, nil
	}
	for _, peer := range d.peers {
		if peer.Username == target || peer.IP == target || (peer.ProfileName != "" && peer.ProfileName == target) {
			clone := *peer
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", target, ErrPeerUnknown)
}

// SharedSecret retrieves the most recent secret advertised by a peer.
func (d *DiscoveryService) SharedSecret(peerID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if peer, ok := d.peers[peerID]; ok && peer.Secret != "" {
		return peer.Secret, true
	}
	return "", false
}

// Remove drops a peer from the buddy list until the next restart.
func (d *DiscoveryService) Remove(peerID string) (events.Buddy, error) {
	d.mu.Lock()
	peer, ok := d.peers[peerID]
	if !ok {
		d.mu.Unlock()
		return events.Buddy{}, fmt.Errorf("%s: %w", peerID, ErrPeerUnknown)
	}
	delete(d.peers, peerID)
	d.removed[peerID] = true
	d.mu.Unlock()

	b := peer.Buddy()
	d.emit(events.BuddyRemoved{Buddy: b})
	d.emit(events.ListChanged{})
	return b, nil
}

// AddManualPeer sends a direct announcement to a peer on a different subnet.
// When they receive it, they will respond back, enabling two-way discovery.
func (d *DiscoveryService) AddManualPeer(ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP address %q", ip)
	}
	d.sendDirectAnnouncement(ip)
	return nil
}

// observe folds one announcement into the peer table and emits the events
// the change implies.
func (d *DiscoveryService) observe(ann announcement) {
	if ann.ID == "" || ann.ID == d.cfg.PeerID() {
		return
	}
	// A peer that announces itself is reachable whatever it claims.
	status, ok := events.ParseStatus(ann.Status)
	if !ok || status == events.StatusOffline {
		status = events.StatusAvailable
	}

	d.mu.Lock()
	if d.removed[ann.ID] {
		d.mu.Unlock()
		return
	}
	prev, existed := d.peers[ann.ID]
	peer := &Peer{
		ID:          ann.ID,
		Username:    ann.Username,
		IP:          ann.IP,
		Port:        ann.Port,
		Status:      status,
		ProfileName: ann.ProfileName,
		ProfileText: ann.ProfileText,
		Avatar:      ann.Avatar,
		LastSeen:    d.now(),
		Secret:      ann.Secret,
	}
	d.peers[ann.ID] = peer
	onOnline := d.onOnline
	d.mu.Unlock()

	b := peer.Buddy()
	cameOnline := !existed || !prev.Online()
	if !existed {
		d.logger.Info("discovered %s (%s) at %s", peer.Username, peer.ID, peer.IP)
		d.emit(events.ListChanged{})
		if d.started {
			go d.sendDirectAnnouncement(ann.IP)
		}
	}
	if !existed || prev.Status != peer.Status {
		d.emit(events.StatusChanged{Buddy: b, Status: peer.Status})
	}
	if existed && (prev.ProfileName != peer.ProfileName || prev.ProfileText != peer.ProfileText) {
		d.emit(events.ProfileChanged{Buddy: b})
	}
	if existed && prev.Avatar != peer.Avatar {
		d.emit(events.AvatarChanged{Buddy: b})
	}
	if cameOnline && onOnline != nil {
		go onOnline(peer.ID)
	}
}

// expire marks peers that stopped announcing as offline.
func (d *DiscoveryService) expire() {
	cutoff := d.now().Add(-peerExpiry)
	var gone []events.Buddy
	d.mu.Lock()
	for _, peer := range d.peers {
		if peer.Online() && peer.LastSeen.Before(cutoff) {
			peer.Status = events.StatusOffline
			gone = append(gone, peer.Buddy())
		}
	}
	d.mu.Unlock()
	for _, b := range gone {
		d.emit(events.StatusChanged{Buddy: b, Status: events.StatusOffline})
	}
}

func (d *DiscoveryService) emit(ev events.Event) {
	if d.dispatcher == nil {
		return
	}
	if _, err := d.dispatcher.Dispatch(d.ctx, ev); err != nil {
		d.logger.Debug("discovery event %s dropped: %v", ev.Kind(), err)
	}
}

func (d *DiscoveryService) listenLoop() {
	defer d.wait.Done()
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: d.cfg.DiscoveryPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		d.logger.Error("discovery listener failed: %v", err)
		return
	}
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		if d.isStopping() {
			return
		}
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			d.logger.Error("discovery read error: %v", err)
			continue
		}
		var ann announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			d.logger.Error("invalid announcement from %s: %v", remote.IP.String(), err)
			continue
		}
		d.observe(ann)
	}
}

// sendDirectAnnouncement sends our info directly to a specific IP
func (d *DiscoveryService) sendDirectAnnouncement(ip string) {
	if d.isStopping() {
		return
	}
	payload, ok := d.prepareAnnouncement()
	if !ok {
		return
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return
	}
	defer conn.Close()
	target := &net.UDPAddr{IP: net.ParseIP(ip), Port: d.cfg.DiscoveryPort}
	// Send 3 times for reliability
	for i := 0; i < 3; i++ {
		conn.WriteToUDP(payload, target)
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (d *DiscoveryService) announceLoop() {
	defer d.wait.Done()
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		d.logger.Error("discovery announcer failed: %v", err)
		return
	}
	defer conn.Close()
	if err := enableBroadcast(conn); err != nil {
		d.logger.Warn("discovery broadcast option: %v", err)
	}
	if err := conn.SetWriteBuffer(1024); err != nil {
		d.logger.Error("discovery write buffer: %v", err)
	}
	d.sendCurrentAnnouncement(conn)
	for {
		select {
		case <-ticker.C:
			d.sendCurrentAnnouncement(conn)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *DiscoveryService) expireLoop() {
	defer d.wait.Done()
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.expire()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *DiscoveryService) sendCurrentAnnouncement(conn *net.UDPConn) {
	payload, ok := d.prepareAnnouncement()
	if !ok {
		return
	}
	addrs := d.broadcastAddrs()
	d.writeAnnouncement(conn, payload, addrs)
}

func (d *DiscoveryService) prepareAnnouncement() ([]byte, bool) {
	d.localMu.RLock()
	ann := announcement{
		ID:          d.cfg.PeerID(),
		Username:    d.localUser,
		IP:          d.localIP,
		Port:        d.localPort,
		Timestamp:   time.Now().Unix(),
		Secret:      d.cfg.Secret,
		Status:      d.localStatus,
		ProfileName: d.localProfile[0],
		ProfileText: d.localProfile[1],
		Avatar:      d.localAvatar,
	}
	d.localMu.RUnlock()
	if ann.IP == "" || ann.Port == 0 {
		return nil, false
	}
	data, err := json.Marshal(ann)
	if err != nil {
		d.logger.Error("marshal announcement: %v", err)
		return nil, false
	}
	return data, true
}

func (d *DiscoveryService) broadcastAddrs() []*net.UDPAddr {
	seen := make(map[string]struct{})
	var addrs []*net.UDPAddr
	global := &net.UDPAddr{IP: net.IPv4bcast, Port: d.cfg.DiscoveryPort}
	addrs = append(addrs, global)
	seen[global.String()] = struct{}{}
	ifaces, err := net.Interfaces()
	if err != nil {
		d.logger.Error("list interfaces: %v", err)
		return addrs
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addresses, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addresses {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.Equal(net.IPv4zero) {
				continue
			}
			mask := ipNet.Mask
			if len(mask) != net.IPv4len {
				continue
			}
			broadcast := net.IPv4(ip[0]|^mask[0], ip[1]|^mask[1], ip[2]|^mask[2], ip[3]|^mask[3])
			if broadcast.Equal(net.IPv4zero) {
				continue
			}
			udpAddr := &net.UDPAddr{IP: broadcast, Port: d.cfg.DiscoveryPort}
			key := udpAddr.String()
			if _, exists := seen[key]; exists {
				continue
			}
			seen[key] = struct{}{}
			addrs = append(addrs, udpAddr)
		}
	}
	return addrs
}

func (d *DiscoveryService) writeAnnouncement(conn *net.UDPConn, payload []byte, addrs []*net.UDPAddr) {
	if len(addrs) == 0 {
		addrs = []*net.UDPAddr{{IP: net.IPv4bcast, Port: d.cfg.DiscoveryPort}}
	}
	for _, addr := range addrs {
		if addr == nil {
			continue
		}
		if d.isStopping() {
			return
		}
		if _, err := conn.WriteToUDP(payload, addr); err != nil {
			d.logger.Error("discovery announce to %s: %v", addr, err)
		}
	}
}

// enableBroadcast sets SO_BROADCAST so announcements can reach the subnet
// broadcast address.
func enableBroadcast(conn *net.UDPConn) error {
	if conn == nil {
		return nil
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = setBroadcastOption(fd)
	}); err != nil {
		return err
	}
	return sockErr
}
