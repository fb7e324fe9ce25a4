package client

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"scan-job-queue/internal/storage"
)

const deviceIDKey = "device.id"

// DeviceIdentity mints a stable device id on first use and keeps it in the
// same KV storage the job store lives in, so the id survives restarts.
type DeviceIdentity struct {
	mu     sync.Mutex
	kv     storage.KV
	cached string
}

func NewDeviceIdentity(kv storage.KV) *DeviceIdentity {
	return &DeviceIdentity{kv: kv}
}

func (d *DeviceIdentity) DeviceID() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached != "" {
		return d.cached, nil
	}
	if v, ok, err := d.kv.Get(deviceIDKey); err == nil && ok && v != "" {
		d.cached = v
		return v, nil
	} else if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := d.kv.Set(deviceIDKey, id); err != nil {
		// Still usable for this process; it just won't be stable.
		log.Printf("[device] could not persist device id: %v", err)
	}
	d.cached = id
	return id, nil
}
