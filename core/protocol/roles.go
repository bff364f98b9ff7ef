// File: core/protocol/roles.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"github.com/momentics/hioload-ports/api"
)

// ChooseRoles picks the flow-control discipline both sides accept with the
// fewest round trips per buffer; equal trip counts go to the lower id.
func ChooseRoles(producer, consumer api.RoleSet) (api.FlowRole, error) {
	common := producer & consumer
	best, found := api.FlowRole(0), false
	for _, r := range common.Roles() {
		if !found || r.RoundTrips() < best.RoundTrips() {
			best, found = r, true
		}
	}
	if !found {
		return 0, api.NewError(api.ErrCodeNoCompatibleRole, "no compatible flow-control role").
			WithContext("producer", producer.Roles()).
			WithContext("consumer", consumer.Roles())
	}
	return best, nil
}
