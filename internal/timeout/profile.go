package timeout

import "time"

// Kind names the operation a deadline guards.
type Kind string

const (
	KindDiscovery  Kind = "discovery"
	KindConnection Kind = "connection"
	KindHandshake  Kind = "handshake"
	KindDelivery   Kind = "delivery"
	KindPing       Kind = "ping"
	KindCustom     Kind = "custom"
)

// DefaultCustomDuration is used when a custom deadline is started
// without an explicit duration.
const DefaultCustomDuration = 30 * time.Second

// Profile is a named duration table, one entry per operation kind.
// Swapping the active profile only affects deadlines started afterwards.
type Profile struct {
	Name       string
	Discovery  time.Duration
	Connection time.Duration
	Handshake  time.Duration
	Delivery   time.Duration
	Ping       time.Duration
}

// For returns the profile duration for kind. Custom kinds have no
// profile entry and fall back to DefaultCustomDuration.
func (p Profile) For(kind Kind) time.Duration {
	switch kind {
	case KindDiscovery:
		return p.Discovery
	case KindConnection:
		return p.Connection
	case KindHandshake:
		return p.Handshake
	case KindDelivery:
		return p.Delivery
	case KindPing:
		return p.Ping
	default:
		return DefaultCustomDuration
	}
}

// NormalProfile is the default duration table.
func NormalProfile() Profile {
	return Profile{
		Name:       "normal",
		Discovery:  10 * time.Second,
		Connection: 15 * time.Second,
		Handshake:  8 * time.Second,
		Delivery:   20 * time.Second,
		Ping:       5 * time.Second,
	}
}

// FastProfile shortens every deadline for aggressive link probing.
func FastProfile() Profile {
	return Profile{
		Name:       "fast",
		Discovery:  5 * time.Second,
		Connection: 8 * time.Second,
		Handshake:  4 * time.Second,
		Delivery:   10 * time.Second,
		Ping:       2 * time.Second,
	}
}

// EmergencyProfile doubles every deadline; during an emergency a slow
// answer beats a dropped one.
func EmergencyProfile() Profile {
	n := NormalProfile()
	return Profile{
		Name:       "emergency",
		Discovery:  2 * n.Discovery,
		Connection: 2 * n.Connection,
		Handshake:  2 * n.Handshake,
		Delivery:   2 * n.Delivery,
		Ping:       2 * n.Ping,
	}
}

// ProfileByName resolves a profile from its config name.
func ProfileByName(name string) (Profile, bool) {
	switch name {
	case "", "normal":
		return NormalProfile(), true
	case "fast":
		return FastProfile(), true
	case "emergency":
		return EmergencyProfile(), true
	}
	return Profile{}, false
}
