// Package instance identifies the running engine node so audit rows
// written by different deployments can be told apart.
package instance

import (
	"github.com/denisbrodbeck/machineid"
)

const appID = "mirror-core"

// ID returns a stable, hashed machine identifier. Falls back to
// "unknown" rather than failing startup on exotic platforms.
func ID() string {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return "unknown"
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}
