package syncstatus_test

import (
	"testing"

	"github.com/ethp2p/peercore/peers/syncstatus"
	"github.com/stretchr/testify/assert"
)

func TestIsSynced(t *testing.T) {
	assert.True(t, syncstatus.IsSynced(syncstatus.Synced))
	assert.True(t, syncstatus.IsSynced(syncstatus.Advanced))
	assert.False(t, syncstatus.IsSynced(syncstatus.Behind))
	assert.False(t, syncstatus.IsSynced(syncstatus.Unknown))
}

func TestIsAdvanced(t *testing.T) {
	assert.True(t, syncstatus.IsAdvanced(syncstatus.Advanced))
	assert.False(t, syncstatus.IsAdvanced(syncstatus.Synced))
}
