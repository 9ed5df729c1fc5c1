// Package account implements the user/device data model and bearer-token
// issuance shared by the signaling and relay services.
package account

import (
	"errors"
	"strings"
	"time"
)

// User is a registered account, keyed by a process-unique numeric id and a
// unique email. Never destroyed in this revision.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// DeviceClass distinguishes the two device kinds by device id prefix. The
// signaling service treats both identically; only the prefix (and the UI)
// tells them apart.
type DeviceClass int

const (
	DeviceClassUnknown DeviceClass = iota
	DeviceClassBrowser
	DeviceClassHost
)

const (
	// BrowserDevicePrefix marks an ephemeral, one-per-tab browser endpoint.
	BrowserDevicePrefix = "br_"
	// HostDevicePrefix marks a long-lived local service endpoint.
	HostDevicePrefix = "ho_"
)

// ClassifyDevice returns the device class implied by id's prefix.
func ClassifyDevice(id string) DeviceClass {
	switch {
	case strings.HasPrefix(id, BrowserDevicePrefix):
		return DeviceClassBrowser
	case strings.HasPrefix(id, HostDevicePrefix):
		return DeviceClassHost
	default:
		return DeviceClassUnknown
	}
}

// Device belongs to exactly one user and carries an opaque public key,
// stored as advisory metadata only and never verified in this revision.
type Device struct {
	ID        string
	UserID    int64
	PubKey    []byte
	CreatedAt time.Time
}

var (
	ErrEmailTaken         = errors.New("account: email already registered")
	ErrUserNotFound       = errors.New("account: user not found")
	ErrInvalidCredential  = errors.New("account: invalid email or password")
	ErrDeviceOwnedByOther = errors.New("account: device already registered to a different user")
)
