package store

import "time"

// Device is the persisted record of a device the coordinator has
// admitted: addresses, capability byte, join state and timestamps, plus
// the replay floor so a restart cannot be used to replay old traffic.
// Records are keyed by the hex IEEE address.
type Device struct {
	IEEE         string    `json:"ieee"`
	Short        uint16    `json:"short"`
	Type         string    `json:"type"`
	Capabilities uint8     `json:"capabilities"`
	State        string    `json:"state"`
	LinkKey      string    `json:"-"`
	ReplayFloor  uint32    `json:"replay_floor,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// NetworkState holds the persisted PAN identity, key slots and outgoing
// frame counters. Key material is hidden from API/JSON serialization via
// json:"-"; the bolt codec carries it in internal storage structs.
type NetworkState struct {
	Channel     uint16 `json:"channel"`
	PanID       uint16 `json:"pan_id"`
	ExtPanID    string `json:"ext_pan_id"`
	Coordinator string `json:"coordinator"`
	UpdateID    uint8  `json:"update_id"`

	NetworkKey string `json:"-"`
	KeySeq     uint8  `json:"key_seq"`

	// PendingKey is set while a key rotation is mid-flight: the staged
	// key has been transported but not yet switched to or not yet past
	// its grace window.
	PendingKey string `json:"-"`
	PendingSeq uint8  `json:"pending_seq,omitempty"`

	NWKCounter uint32 `json:"nwk_counter"`
	APSCounter uint32 `json:"aps_counter"`

	SavedAt time.Time `json:"saved_at"`
}

// deviceStorage is the internal struct used for DB serialization,
// preserving the per-device link key on disk.
type deviceStorage struct {
	IEEE         string    `json:"ieee"`
	Short        uint16    `json:"short"`
	Type         string    `json:"type"`
	Capabilities uint8     `json:"capabilities"`
	State        string    `json:"state"`
	LinkKey      string    `json:"link_key,omitempty"`
	ReplayFloor  uint32    `json:"replay_floor,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// networkStateStorage is the internal struct used for DB serialization,
// preserving the key material on disk.
type networkStateStorage struct {
	Channel     uint16 `json:"channel"`
	PanID       uint16 `json:"pan_id"`
	ExtPanID    string `json:"ext_pan_id"`
	Coordinator string `json:"coordinator"`
	UpdateID    uint8  `json:"update_id"`

	NetworkKey string `json:"network_key,omitempty"`
	KeySeq     uint8  `json:"key_seq"`
	PendingKey string `json:"pending_key,omitempty"`
	PendingSeq uint8  `json:"pending_seq,omitempty"`

	NWKCounter uint32 `json:"nwk_counter"`
	APSCounter uint32 `json:"aps_counter"`

	SavedAt time.Time `json:"saved_at"`
}

func (d *Device) toStorage() deviceStorage {
	return deviceStorage{
		IEEE:         d.IEEE,
		Short:        d.Short,
		Type:         d.Type,
		Capabilities: d.Capabilities,
		State:        d.State,
		LinkKey:      d.LinkKey,
		ReplayFloor:  d.ReplayFloor,
		JoinedAt:     d.JoinedAt,
		LastSeen:     d.LastSeen,
	}
}

func (st deviceStorage) toDevice() Device {
	return Device{
		IEEE:         st.IEEE,
		Short:        st.Short,
		Type:         st.Type,
		Capabilities: st.Capabilities,
		State:        st.State,
		LinkKey:      st.LinkKey,
		ReplayFloor:  st.ReplayFloor,
		JoinedAt:     st.JoinedAt,
		LastSeen:     st.LastSeen,
	}
}

func (n *NetworkState) toStorage() networkStateStorage {
	return networkStateStorage{
		Channel:     n.Channel,
		PanID:       n.PanID,
		ExtPanID:    n.ExtPanID,
		Coordinator: n.Coordinator,
		UpdateID:    n.UpdateID,
		NetworkKey:  n.NetworkKey,
		KeySeq:      n.KeySeq,
		PendingKey:  n.PendingKey,
		PendingSeq:  n.PendingSeq,
		NWKCounter:  n.NWKCounter,
		APSCounter:  n.APSCounter,
		SavedAt:     n.SavedAt,
	}
}

func (st networkStateStorage) toState() NetworkState {
	return NetworkState{
		Channel:     st.Channel,
		PanID:       st.PanID,
		ExtPanID:    st.ExtPanID,
		Coordinator: st.Coordinator,
		UpdateID:    st.UpdateID,
		NetworkKey:  st.NetworkKey,
		KeySeq:      st.KeySeq,
		PendingKey:  st.PendingKey,
		PendingSeq:  st.PendingSeq,
		NWKCounter:  st.NWKCounter,
		APSCounter:  st.APSCounter,
		SavedAt:     st.SavedAt,
	}
}
