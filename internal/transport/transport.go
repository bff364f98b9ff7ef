// File: internal/transport/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transport features, location rules and preference-ordered selection.

package transport

import (
	"github.com/momentics/hioload-ports/api"
)

// DefaultPreference is used when a side names no preference.
var DefaultPreference = []api.TransportID{
	api.TransportInProcess,
	api.TransportSharedMemory,
	api.TransportSocket,
	api.TransportDMA,
}

var catalog = map[api.TransportID]api.TransportFeatures{
	api.TransportInProcess: {
		ZeroCopy: true,
		Roles:    api.RolesOf(api.ActiveMessage),
	},
	api.TransportSharedMemory: {
		ZeroCopy:     true,
		SharedMemory: true,
		Roles:        api.RolesOf(api.ActiveMessage, api.ActiveFlowControl, api.Passive),
	},
	api.TransportSocket: {
		SplitRings: true,
		Roles:      api.RolesOf(api.ActiveMessage, api.ActiveFlowControl),
	},
	api.TransportDMA: {
		ZeroCopy:   true,
		SplitRings: true,
		Roles:      api.AllRoles,
	},
}

// Features returns the catalog entry of id.
func Features(id api.TransportID) (api.TransportFeatures, bool) {
	f, ok := catalog[id]
	return f, ok
}

// Permitted reports whether id can span two ports at loc.
func Permitted(id api.TransportID, loc api.Location) bool {
	switch id {
	case api.TransportInProcess:
		return loc == api.InProcess
	case api.TransportSharedMemory:
		return loc == api.InProcess || loc == api.SameHost
	case api.TransportSocket, api.TransportDMA:
		return true
	default:
		return false
	}
}

// Select returns the first id in prefs supported by both sides and
// permitted at loc. An empty prefs list means DefaultPreference.
func Select(prefs []api.TransportID, producer, consumer api.TransportSet, loc api.Location) (api.TransportID, error) {
	if len(prefs) == 0 {
		prefs = DefaultPreference
	}
	for _, id := range prefs {
		if producer.Has(id) && consumer.Has(id) && Permitted(id, loc) {
			return id, nil
		}
	}
	return api.TransportNone, api.NewError(api.ErrCodeIncompatibleTypes, "no common transport").
		WithContext("producer", producer.IDs()).
		WithContext("consumer", consumer.IDs()).
		WithContext("location", loc.String())
}
