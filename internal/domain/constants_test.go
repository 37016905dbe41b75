package domain_test

import (
	"testing"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestTimingInvariants(t *testing.T) {
	assert.Less(t, domain.WSPingPeriod, domain.WSPongWait, "pings must go out before the peer gives up")
	assert.Less(t, domain.QueueDrainInterval, domain.QueueMessageTTL, "an entry must see more than one drain")
	assert.Less(t, domain.HealthRecoveryCooldown, domain.HealthQuietReset)
	assert.Less(t, domain.AuthStuckAfter, domain.AuthRefreshInterval, "a stuck refresh must clear before the next tick")
	assert.LessOrEqual(t, domain.BackendCallTimeout, domain.HandlerTimeout)
}
