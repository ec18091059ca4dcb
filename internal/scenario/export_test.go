package scenario

import (
	"github.com/ubuntu/casprobe/internal/profile"
	"github.com/ubuntu/casprobe/internal/uma"
)

// PolicyFixtures returns the resource set and the policies the UMA scenario creates for p.
func PolicyFixtures(p profile.UMA) (uma.ResourceSet, uma.Policy, uma.Policy) {
	return resourceSet(p), initialPolicy(p), updatedPolicy(p)
}
