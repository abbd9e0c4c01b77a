// Package config persists one peer's device identity (device_id,
// device_name, device_type, device_platform) to a local JSON file,
// using the same atomic-write recipe the rest of this codebase's
// ambient config layer uses: write to a temp file in the same
// directory, then rename over the target. EnsureDevice additionally
// wraps its load-then-maybe-save sequence in a flock so two processes
// sharing baseDir never race to generate separate device identities.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"

	"github.com/relaylink/syncengine/internal/protocol"
)

const deviceFile = ".syncengine/device.json"
const lockFile = ".syncengine/device.json.lock"

// Load reads the device identity from disk, returning a zero-value
// Device if no file has been written yet.
func Load(baseDir string) (protocol.DeviceInfo, error) {
	path := filepath.Join(baseDir, deviceFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.DeviceInfo{}, nil
		}
		return protocol.DeviceInfo{}, err
	}

	var dev protocol.DeviceInfo
	if err := json.Unmarshal(data, &dev); err != nil {
		return protocol.DeviceInfo{}, err
	}
	return dev, nil
}

// Save writes dev to disk atomically: temp file plus rename.
func Save(baseDir string, dev protocol.DeviceInfo) error {
	path := filepath.Join(baseDir, deviceFile)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(dev, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "device-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}

// withLock serializes read-modify-write access to device.json using
// flock, so two processes sharing baseDir never clobber each other.
func withLock(baseDir string, fn func() error) error {
	path := filepath.Join(baseDir, lockFile)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	return fn()
}

// EnsureDevice loads the persisted device identity, or generates and
// persists a fresh one on first run.
func EnsureDevice(baseDir, deviceName, deviceType, devicePlatform string, newID func() string) (protocol.DeviceInfo, error) {
	var dev protocol.DeviceInfo
	err := withLock(baseDir, func() error {
		loaded, err := Load(baseDir)
		if err != nil {
			return err
		}
		if loaded.DeviceID != "" {
			dev = loaded
			return nil
		}
		dev = protocol.DeviceInfo{
			DeviceID:       newID(),
			DeviceName:     deviceName,
			DeviceType:     deviceType,
			DevicePlatform: devicePlatform,
		}
		return Save(baseDir, dev)
	})
	return dev, err
}
