package peer

import (
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"github.com/matterlink/peercore/pkg/fabric"
	"github.com/matterlink/peercore/pkg/transport"
)

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// PeerStore abstracts persistence for peer descriptors: a LoadXxx/SaveXxx
// shape keyed per-peer by address (spec Section 4 "Persisted peer record
// format").
//
// All methods must be safe for concurrent use.
type PeerStore interface {
	// LoadAll returns every persisted descriptor, keyed by address.
	LoadAll() (map[Address]*Descriptor, error)

	// Save persists a single descriptor, replacing any prior record for
	// its address.
	Save(d *Descriptor) error

	// Delete removes the persisted record for addr, if any.
	Delete(addr Address) error
}

// MemoryPeerStore is an in-memory PeerStore. Data is lost on process exit;
// useful for tests and for nodes with no durable storage requirement.
type MemoryPeerStore struct {
	mu   sync.RWMutex
	data map[Address]*Descriptor
}

// NewMemoryPeerStore creates an empty in-memory peer store.
func NewMemoryPeerStore() *MemoryPeerStore {
	return &MemoryPeerStore{data: make(map[Address]*Descriptor)}
}

// LoadAll implements PeerStore.
func (m *MemoryPeerStore) LoadAll() (map[Address]*Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[Address]*Descriptor, len(m.data))
	for addr, d := range m.data {
		result[addr] = d.Clone()
	}
	return result, nil
}

// Save implements PeerStore.
func (m *MemoryPeerStore) Save(d *Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[d.Address] = d.Clone()
	return nil
}

// Delete implements PeerStore.
func (m *MemoryPeerStore) Delete(addr Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, addr)
	return nil
}

// commissionedNodesKey is the key under which the peer record list is
// stored in the node's key-value store, per spec Section 6: "Persisted peer
// record ... list keyed under 'commissionedNodes' in the node store."
const commissionedNodesKey = "commissionedNodes"

// wireOperationalAddress is the stable on-disk shape of an operational
// address: {ip, port, type:"udp"}.
type wireOperationalAddress struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
	Type string `json:"type"`
}

type wireDiscoveryData struct {
	IdleIntervalMs    int64                    `json:"idleIntervalMs,omitempty"`
	ActiveIntervalMs  int64                    `json:"activeIntervalMs,omitempty"`
	ActiveThresholdMs int64                    `json:"activeThresholdMs,omitempty"`
	DeviceName        string                   `json:"deviceName,omitempty"`
	AdditionalAddrs   []wireOperationalAddress `json:"additionalAddresses,omitempty"`
}

// wireRecord is one entry of the persisted "commissionedNodes" list:
// [node_id, { operational_server_address?, discovery_data?, device_data? }].
type wireRecord struct {
	NodeID                  fabric.NodeID           `json:"nodeId"`
	FabricIndex             fabric.FabricIndex      `json:"fabricIndex"`
	OperationalServerAddr   *wireOperationalAddress `json:"operationalServerAddress,omitempty"`
	DiscoveryData           *wireDiscoveryData      `json:"discoveryData,omitempty"`
	CaseAuthenticatedTags   []uint32                `json:"caseAuthenticatedTags,omitempty"`
}

// JSONFilePeerStore persists descriptors as a single JSON document on disk,
// in the stable "commissionedNodes" format spec Section 6 requires
// implementations to migrate unchanged.
type JSONFilePeerStore struct {
	path string
	mu   sync.Mutex
}

// NewJSONFilePeerStore creates a store backed by the file at path. The file
// is created on first Save if it does not already exist.
func NewJSONFilePeerStore(path string) *JSONFilePeerStore {
	return &JSONFilePeerStore{path: path}
}

// LoadAll implements PeerStore.
func (s *JSONFilePeerStore) LoadAll() (map[Address]*Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return nil, err
	}

	result := make(map[Address]*Descriptor, len(records))
	for _, rec := range records {
		addr := Address{FabricIndex: rec.FabricIndex, NodeID: rec.NodeID}
		d := NewDescriptor(addr)
		if rec.OperationalServerAddr != nil {
			d.OperationalAddress = wireToOperationalAddress(rec.OperationalServerAddr)
		}
		if rec.DiscoveryData != nil {
			data := wireToDiscoveryData(rec.DiscoveryData)
			d.DiscoveryData = &data
		}
		d.CaseAuthenticatedTags = append([]uint32(nil), rec.CaseAuthenticatedTags...)
		result[addr] = d
	}
	return result, nil
}

// Save implements PeerStore.
func (s *JSONFilePeerStore) Save(d *Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return err
	}

	rec := descriptorToWire(d)
	found := false
	for i := range records {
		if records[i].FabricIndex == d.Address.FabricIndex && records[i].NodeID == d.Address.NodeID {
			records[i] = rec
			found = true
			break
		}
	}
	if !found {
		records = append(records, rec)
	}

	return s.writeLocked(records)
}

// Delete implements PeerStore.
func (s *JSONFilePeerStore) Delete(addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return err
	}

	filtered := records[:0]
	for _, rec := range records {
		if rec.FabricIndex == addr.FabricIndex && rec.NodeID == addr.NodeID {
			continue
		}
		filtered = append(filtered, rec)
	}

	return s.writeLocked(filtered)
}

type jsonDocument struct {
	CommissionedNodes []wireRecord `json:"commissionedNodes"`
}

func (s *JSONFilePeerStore) readLocked() ([]wireRecord, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var doc jsonDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc.CommissionedNodes, nil
}

func (s *JSONFilePeerStore) writeLocked(records []wireRecord) error {
	doc := jsonDocument{CommissionedNodes: records}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o600)
}

func descriptorToWire(d *Descriptor) wireRecord {
	rec := wireRecord{NodeID: d.Address.NodeID, FabricIndex: d.Address.FabricIndex}
	if d.OperationalAddress != nil {
		rec.OperationalServerAddr = operationalAddressToWire(d.OperationalAddress)
	}
	if d.DiscoveryData != nil {
		w := discoveryDataToWire(d.DiscoveryData)
		rec.DiscoveryData = &w
	}
	rec.CaseAuthenticatedTags = append([]uint32(nil), d.CaseAuthenticatedTags...)
	return rec
}

func operationalAddressToWire(a *OperationalAddress) *wireOperationalAddress {
	typ := "udp"
	if a.TransportType == transport.TransportTypeTCP {
		typ = "tcp"
	}
	return &wireOperationalAddress{IP: a.IP.String(), Port: a.Port, Type: typ}
}

func wireToOperationalAddress(w *wireOperationalAddress) *OperationalAddress {
	tt := transport.TransportTypeUDP
	if w.Type == "tcp" {
		tt = transport.TransportTypeTCP
	}
	return &OperationalAddress{IP: net.ParseIP(w.IP), Port: w.Port, TransportType: tt}
}

func discoveryDataToWire(d *DiscoveryData) wireDiscoveryData {
	w := wireDiscoveryData{
		IdleIntervalMs:    d.IdleInterval.Milliseconds(),
		ActiveIntervalMs:  d.ActiveInterval.Milliseconds(),
		ActiveThresholdMs: d.ActiveThreshold.Milliseconds(),
		DeviceName:        d.DeviceName,
	}
	for _, a := range d.AdditionalAddresses {
		w.AdditionalAddrs = append(w.AdditionalAddrs, *operationalAddressToWire(&a))
	}
	return w
}

func wireToDiscoveryData(w *wireDiscoveryData) DiscoveryData {
	d := DiscoveryData{
		IdleInterval:    msToDuration(w.IdleIntervalMs),
		ActiveInterval:  msToDuration(w.ActiveIntervalMs),
		ActiveThreshold: msToDuration(w.ActiveThresholdMs),
		DeviceName:      w.DeviceName,
	}
	for _, a := range w.AdditionalAddrs {
		d.AdditionalAddresses = append(d.AdditionalAddresses, *wireToOperationalAddress(&a))
	}
	return d
}
