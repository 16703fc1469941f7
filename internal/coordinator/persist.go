package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"zigpan/internal/frame"
	"zigpan/internal/nwk"
	"zigpan/internal/registry"
	"zigpan/internal/security"
	"zigpan/internal/store"
)

// loadSnapshot reads the persisted stack state. No stored network means
// a nil snapshot and a fresh formation; a record that exists but cannot
// be decoded is an error, because silently re-forming over it would roll
// the network key.
func (c *Coordinator) loadSnapshot() (*nwk.Snapshot, error) {
	state, err := c.store.GetNetworkState()
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	devices, err := c.store.ListDevices()
	if err != nil {
		return nil, err
	}
	return recordsToSnapshot(state, devices)
}

// saveSnapshot captures the stack state and syncs the store to it:
// network record replaced, device records upserted, records for devices
// no longer in the table deleted.
func (c *Coordinator) saveSnapshot(ctx context.Context) error {
	snap, err := c.stack.Snapshot(ctx)
	if err != nil {
		return err
	}
	state, devices := snapshotToRecords(snap)
	if err := c.store.SaveNetworkState(state); err != nil {
		return fmt.Errorf("save network state: %w", err)
	}

	keep := make(map[string]bool, len(devices))
	for _, dev := range devices {
		if err := c.store.SaveDevice(dev); err != nil {
			return fmt.Errorf("save device %s: %w", dev.IEEE, err)
		}
		keep[dev.IEEE] = true
	}
	stored, err := c.store.ListDevices()
	if err != nil {
		return err
	}
	for _, old := range stored {
		if !keep[old.IEEE] {
			if err := c.store.DeleteDevice(old.IEEE); err != nil {
				return fmt.Errorf("delete device %s: %w", old.IEEE, err)
			}
		}
	}
	return nil
}

func snapshotToRecords(snap *nwk.Snapshot) (*store.NetworkState, []*store.Device) {
	state := &store.NetworkState{
		Channel:     snap.Network.Channel,
		PanID:       uint16(snap.Network.PANID),
		ExtPanID:    snap.Network.ExtendedPANID.String(),
		Coordinator: snap.Network.Coordinator.String(),
		UpdateID:    snap.Network.UpdateID,
		NetworkKey:  hex.EncodeToString(snap.Active.Key[:]),
		KeySeq:      snap.Active.Seq,
		NWKCounter:  snap.NWKCounter,
		APSCounter:  snap.APSCounter,
		SavedAt:     time.Now(),
	}
	if snap.Pending != nil {
		state.PendingKey = hex.EncodeToString(snap.Pending.Key[:])
		state.PendingSeq = snap.Pending.Seq
	}

	devices := make([]*store.Device, 0, len(snap.Devices))
	for i := range snap.Devices {
		d := &snap.Devices[i]
		rec := &store.Device{
			IEEE:         d.IEEE.String(),
			Short:        uint16(d.Short),
			Type:         d.Type.String(),
			Capabilities: d.Capabilities.Byte(),
			State:        d.State.String(),
			ReplayFloor:  snap.Incoming[d.IEEE],
			JoinedAt:     d.JoinedAt,
			LastSeen:     d.LastSeen,
		}
		if d.LinkKey != nil {
			rec.LinkKey = hex.EncodeToString(d.LinkKey[:])
		}
		devices = append(devices, rec)
	}
	return state, devices
}

func recordsToSnapshot(state *store.NetworkState, devices []*store.Device) (*nwk.Snapshot, error) {
	extPAN, err := ParseIEEE(state.ExtPanID)
	if err != nil {
		return nil, fmt.Errorf("stored extended pan id: %w", err)
	}
	coord, err := ParseIEEE(state.Coordinator)
	if err != nil {
		return nil, fmt.Errorf("stored coordinator address: %w", err)
	}

	if state.NetworkKey == "" {
		return nil, errors.New("stored network key missing")
	}
	active, err := parseKey(state.NetworkKey)
	if err != nil {
		return nil, fmt.Errorf("stored network key: %w", err)
	}

	snap := &nwk.Snapshot{
		Network: nwk.Network{
			Channel:       state.Channel,
			PANID:         frame.PANID(state.PanID),
			ExtendedPANID: extPAN,
			Coordinator:   coord,
			UpdateID:      state.UpdateID,
		},
		Active:     security.KeySlot{Key: *active, Seq: state.KeySeq},
		NWKCounter: state.NWKCounter,
		APSCounter: state.APSCounter,
		Incoming:   make(map[frame.IEEEAddr]uint32),
	}
	if state.PendingKey != "" {
		pending, err := parseKey(state.PendingKey)
		if err != nil {
			return nil, fmt.Errorf("stored pending key: %w", err)
		}
		snap.Pending = &security.KeySlot{Key: *pending, Seq: state.PendingSeq}
	}

	for _, rec := range devices {
		d, err := recordToDevice(rec)
		if err != nil {
			return nil, fmt.Errorf("stored device %s: %w", rec.IEEE, err)
		}
		snap.Devices = append(snap.Devices, d)
		if rec.ReplayFloor > 0 {
			snap.Incoming[d.IEEE] = rec.ReplayFloor
		}
	}
	return snap, nil
}

func recordToDevice(rec *store.Device) (registry.Device, error) {
	ieee, err := ParseIEEE(rec.IEEE)
	if err != nil {
		return registry.Device{}, err
	}
	state, ok := registry.ParseJoinState(rec.State)
	if !ok {
		return registry.Device{}, fmt.Errorf("unknown join state %q", rec.State)
	}
	caps := frame.CapabilityFromByte(rec.Capabilities)

	d := registry.Device{
		IEEE:         ieee,
		Short:        frame.ShortAddr(rec.Short),
		Type:         registry.TypeEndDevice,
		Capabilities: caps,
		State:        state,
		JoinedAt:     rec.JoinedAt,
		LastSeen:     rec.LastSeen,
	}
	if caps.FullFunction {
		d.Type = registry.TypeRouter
	}
	if rec.LinkKey != "" {
		k, err := parseKey(rec.LinkKey)
		if err != nil {
			return registry.Device{}, fmt.Errorf("link key: %w", err)
		}
		d.LinkKey = k
	}
	return d, nil
}
