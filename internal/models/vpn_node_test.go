package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVpnNode_IsOnline(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	node := &VpnNode{LastHeartbeatAt: &t0}

	assert.True(t, node.IsOnline(t0))
	assert.True(t, node.IsOnline(t0.Add(89999*time.Millisecond)))
	assert.False(t, node.IsOnline(t0.Add(90000*time.Millisecond)))
	assert.False(t, node.IsOnline(t0.Add(90001*time.Millisecond)))
}

func TestVpnNode_NeverHeartbeatedIsOffline(t *testing.T) {
	node := &VpnNode{}
	assert.False(t, node.IsOnline(time.Now()))
}

func TestEntitlement_Usable(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&Entitlement{IsActive: true}).Usable(now))
	assert.True(t, (&Entitlement{IsActive: true, ExpiresAt: &future}).Usable(now))
	assert.False(t, (&Entitlement{IsActive: true, ExpiresAt: &past}).Usable(now))
	assert.False(t, (&Entitlement{IsActive: false}).Usable(now))
}

func TestUserRole_JSON(t *testing.T) {
	b, err := UserRoleReseller.MarshalJSON()
	assert.NoError(t, err)
	assert.Equal(t, `"reseller"`, string(b))

	var r UserRole
	assert.NoError(t, r.UnmarshalJSON([]byte(`"admin"`)))
	assert.Equal(t, UserRoleAdmin, r)
	assert.NoError(t, r.UnmarshalJSON([]byte(`1`)))
	assert.Equal(t, UserRoleUser, r)
}
