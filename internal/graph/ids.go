package graph

import (
	"fmt"

	"github.com/google/uuid"
)

// Node IDs are SHA1-namespace UUIDs over a stable primary key, so the
// same host observed in two scans lands on the same node.

// AssetID derives the asset node ID. The MAC is the primary key when
// present and non-zero; otherwise the IP scoped to its target CIDR, so
// the same private address in two networks stays two assets.
func AssetID(mac, ip, cidr string) uuid.UUID {
	key := mac
	if !validMAC(mac) {
		key = ip + "@" + cidr
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("asset:"+key))
}

// NetworkID derives the network container node ID from its CIDR.
func NetworkID(cidr string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("network:"+cidr))
}

// ServiceID derives a service node ID from its owning asset, port, and
// protocol.
func ServiceID(assetID uuid.UUID, port int, protocol string) uuid.UUID {
	key := fmt.Sprintf("service:%s:%d/%s", assetID, port, protocol)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key))
}

func validMAC(mac string) bool {
	switch mac {
	case "", "00:00:00:00:00:00":
		return false
	}
	return true
}
