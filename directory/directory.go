package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrDeviceNotFound is returned when a lookup names a device the group has
// never seen.
var ErrDeviceNotFound = errors.New("directory: device not found")

// ErrDeviceRevoked is returned when an operation addresses a device whose
// revocation is already known locally.
var ErrDeviceRevoked = errors.New("directory: device is revoked")

// RevocationHook runs synchronously when a device is revoked, before
// Revoke returns. It is how dependent caches are purged.
type RevocationHook func(ctx context.Context, groupID, deviceID string) error

// Directory caches per-group device lists fetched from the directory
// service. Lists are replaced wholesale under the lock; a reader sees
// either the previous list or the new one, never a partial update.
type Directory struct {
	mu       sync.RWMutex
	client   API
	cache    map[string][]DeviceKeyEntry
	onRevoke RevocationHook
}

// NewDirectory creates a device key directory over the given service
// client. onRevoke may be nil.
func NewDirectory(client API, onRevoke RevocationHook) (*Directory, error) {
	if client == nil {
		return nil, errors.New("nil directory client")
	}

	return &Directory{
		client:   client,
		cache:    make(map[string][]DeviceKeyEntry),
		onRevoke: onRevoke,
	}, nil
}

// Fetch refreshes a group's device list from the service, replacing the
// cached list atomically.
func (d *Directory) Fetch(ctx context.Context, groupID string) ([]DeviceKeyEntry, error) {
	if groupID == "" {
		return nil, errors.New("empty group ID")
	}

	devices, err := d.client.FetchDevices(ctx, groupID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.warnOnKeyChanges(groupID, devices)
	d.cache[groupID] = devices
	d.mu.Unlock()

	return copyEntries(devices), nil
}

// warnOnKeyChanges flags entries whose key bytes changed without a version
// bump. Callers hold the lock.
func (d *Directory) warnOnKeyChanges(groupID string, fresh []DeviceKeyEntry) {
	previous := d.cache[groupID]
	if len(previous) == 0 {
		return
	}

	type deviceVersion struct {
		device  string
		version uint32
	}
	known := make(map[deviceVersion]string, len(previous))
	for i := range previous {
		key := deviceVersion{previous[i].DeviceID, previous[i].KeyVersion}
		known[key] = previous[i].FingerprintSigning
	}

	for i := range fresh {
		key := deviceVersion{fresh[i].DeviceID, fresh[i].KeyVersion}
		if fp, ok := known[key]; ok && fp != fresh[i].FingerprintSigning {
			logrus.WithFields(logrus.Fields{
				"function":    "Fetch",
				"group_id":    groupID,
				"device_id":   fresh[i].DeviceID,
				"key_version": fresh[i].KeyVersion,
			}).Warn("Device key changed without a version bump")
		}
	}
}

// Get returns the cached device list, fetching it on first use.
func (d *Directory) Get(ctx context.Context, groupID string) ([]DeviceKeyEntry, error) {
	d.mu.RLock()
	devices, ok := d.cache[groupID]
	d.mu.RUnlock()

	if ok {
		return copyEntries(devices), nil
	}

	return d.Fetch(ctx, groupID)
}

// DevicesFor returns the active devices belonging to the given users.
// Revoked devices are never returned.
func (d *Directory) DevicesFor(ctx context.Context, groupID string, userIDs []string) ([]DeviceKeyEntry, error) {
	devices, err := d.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = true
	}

	recipients := make([]DeviceKeyEntry, 0, len(devices))
	for i := range devices {
		if wanted[devices[i].UserID] && devices[i].Active() {
			recipients = append(recipients, devices[i])
		}
	}

	return recipients, nil
}

// EntryFor returns the entry for one device, revoked entries included so
// old envelopes stay attributable. A device absent from the cached list
// triggers one fresh fetch before the lookup fails; the sender may have
// published after the list was cached.
func (d *Directory) EntryFor(ctx context.Context, groupID, userID, deviceID string) (*DeviceKeyEntry, error) {
	devices, err := d.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if entry := findEntry(devices, userID, deviceID); entry != nil {
		return entry, nil
	}

	devices, err = d.Fetch(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if entry := findEntry(devices, userID, deviceID); entry != nil {
		return entry, nil
	}

	return nil, fmt.Errorf("%w: %s/%s in group %s", ErrDeviceNotFound, userID, deviceID, groupID)
}

func findEntry(devices []DeviceKeyEntry, userID, deviceID string) *DeviceKeyEntry {
	for i := range devices {
		if devices[i].UserID == userID && devices[i].DeviceID == deviceID {
			entry := devices[i]
			return &entry
		}
	}
	return nil
}

// SigningKeyFor returns the verification key for a sending device.
func (d *Directory) SigningKeyFor(ctx context.Context, groupID, userID, deviceID string) ([32]byte, error) {
	entry, err := d.EntryFor(ctx, groupID, userID, deviceID)
	if err != nil {
		return [32]byte{}, err
	}
	return entry.SigningPublicKey, nil
}

// Publish registers a device's keys with the service and folds the entry
// into the cached list. Publishing over a known revocation is refused;
// revocation is terminal.
func (d *Directory) Publish(ctx context.Context, groupID string, device DeviceKeyEntry) error {
	if groupID == "" {
		return errors.New("empty group ID")
	}

	d.mu.RLock()
	for _, cached := range d.cache[groupID] {
		if cached.DeviceID == device.DeviceID && cached.Status == DeviceRevoked {
			d.mu.RUnlock()
			return fmt.Errorf("%w: refusing to publish keys for %s", ErrDeviceRevoked, device.DeviceID)
		}
	}
	d.mu.RUnlock()

	device.Status = DeviceActive
	device.fillFingerprints()

	if err := d.client.PublishDevice(ctx, groupID, device); err != nil {
		return err
	}

	d.mu.Lock()
	d.cache[groupID] = replaceEntry(d.cache[groupID], device)
	d.mu.Unlock()

	return nil
}

// Revoke marks a device revoked on the service, updates the cached list,
// and runs the revocation hook before returning. A hook failure is
// reported; the revocation itself has already happened.
func (d *Directory) Revoke(ctx context.Context, groupID, deviceID string) error {
	if groupID == "" || deviceID == "" {
		return errors.New("group and device IDs must be non-empty")
	}

	if err := d.client.RevokeDevice(ctx, groupID, deviceID); err != nil {
		return err
	}

	d.mu.Lock()
	devices := copyEntries(d.cache[groupID])
	for i := range devices {
		if devices[i].DeviceID == deviceID {
			devices[i].Status = DeviceRevoked
		}
	}
	d.cache[groupID] = devices
	d.mu.Unlock()

	if d.onRevoke != nil {
		if err := d.onRevoke(ctx, groupID, deviceID); err != nil {
			return fmt.Errorf("revocation cleanup failed: %w", err)
		}
	}

	return nil
}

// Forget drops a group's cached list. The next Get fetches fresh.
func (d *Directory) Forget(groupID string) {
	d.mu.Lock()
	delete(d.cache, groupID)
	d.mu.Unlock()
}

// replaceEntry swaps in the device entry, appending when absent. It builds
// a new slice so concurrent readers of the old one are unaffected.
func replaceEntry(devices []DeviceKeyEntry, device DeviceKeyEntry) []DeviceKeyEntry {
	updated := make([]DeviceKeyEntry, 0, len(devices)+1)
	replaced := false
	for i := range devices {
		if devices[i].DeviceID == device.DeviceID && devices[i].UserID == device.UserID {
			updated = append(updated, device)
			replaced = true
			continue
		}
		updated = append(updated, devices[i])
	}
	if !replaced {
		updated = append(updated, device)
	}
	return updated
}

func copyEntries(devices []DeviceKeyEntry) []DeviceKeyEntry {
	return append([]DeviceKeyEntry(nil), devices...)
}
