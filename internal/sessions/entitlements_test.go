package sessions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

func TestEntitlements_UpsertWritesZeroValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, "nora", 3)

	ent, err := f.ents.Get(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, 3, ent.MaxConnections)
	assert.True(t, ent.IsActive)

	zero, off := 0, false
	ent, err = f.ents.Upsert(ctx, uid, EntitlementInput{MaxConnections: &zero, IsActive: &off})
	require.NoError(t, err)
	assert.Equal(t, 0, ent.MaxConnections)
	assert.False(t, ent.IsActive)
	assert.Equal(t, 1, ent.MaxDevices, "untouched")

	neg := -1
	_, err = f.ents.Upsert(ctx, uid, EntitlementInput{MaxConnections: &neg})
	assert.True(t, apperr.IsValidation(err))

	_, err = f.ents.Upsert(ctx, 9999, EntitlementInput{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.ents.Get(ctx, 9999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEntitlements_DeactivateKicksEverySession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, "omar", 0, "omar-1", "omar-2")
	f.connect(t, "omar-1", f.node1)
	f.connect(t, "omar-2", f.node2)

	ent, kicked, err := f.ents.Deactivate(ctx, uid)
	require.NoError(t, err)
	assert.False(t, ent.IsActive)
	assert.Equal(t, 2, kicked)

	sessions, _, err := f.tracker.List(ctx, Filter{UserID: &uid})
	require.NoError(t, err)
	for _, s := range sessions {
		require.NotNil(t, s.KickedReason)
		assert.Equal(t, models.KickReasonEntitlementDeactivated, *s.KickedReason)
	}

	_, err = f.tracker.OnConnect(ctx, ConnectEvent{CommonName: "omar-1", VpnNodeID: f.node1.ID})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, _, err = f.ents.Deactivate(ctx, 9999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEntitlements_RevokeKicksActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "pia", 0, "pia")
	s := f.connect(t, "pia", f.node1)

	cert, kicked, err := f.ents.RevokeCertificate(ctx, "pia")
	require.NoError(t, err)
	assert.True(t, cert.Revoked())
	require.NotNil(t, kicked)
	assert.Equal(t, s.ID, kicked.ID)
	assert.Equal(t, models.KickReasonCertRevoked, *kicked.KickedReason)

	again, kicked, err := f.ents.RevokeCertificate(ctx, "pia")
	require.NoError(t, err)
	assert.True(t, again.RevokedAt.Equal(*cert.RevokedAt))
	assert.Nil(t, kicked)

	_, _, err = f.ents.RevokeCertificate(ctx, "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	f.async.Wait()
	assert.Len(t, f.agent.kicks, 1)
}

func TestEntitlements_IssueCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, "quinn", 1, "quinn")

	_, err := f.ents.IssueCertificate(ctx, "quinn", uid)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.ents.IssueCertificate(ctx, " ", uid)
	assert.True(t, apperr.IsValidation(err))

	_, err = f.ents.IssueCertificate(ctx, "quinn-2", 9999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	certs, err := f.ents.ListCertificates(ctx, &uid)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "quinn", certs[0].CommonName)
}
