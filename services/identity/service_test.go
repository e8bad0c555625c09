package identity

import (
	"context"
	"testing"

	"impact-donations/pkg/errutil"
	"impact-donations/pkg/middleware"
	"impact-donations/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	db := testutil.NewTestDB(t, Models()...)
	return NewService(Params{DB: db, Node: testutil.NewNode(t)})
}

func TestCreateAndLookup(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	donor, err := svc.Create(ctx, CreateDonorRequest{DisplayName: "Asha", Email: "Asha@Example.org", Mobile: "+919812345678", Country: "IN"})
	require.NoError(t, err)
	require.Equal(t, "asha@example.org", donor.Email)

	got, err := svc.Lookup(ctx, donor.ID)
	require.NoError(t, err)
	require.Equal(t, "Asha", got.DisplayName)
	require.Equal(t, "asha@example.org", got.ContactAddress())

	_, err = svc.Lookup(ctx, "missing")
	be, ok := errutil.As(err)
	require.True(t, ok)
	require.Equal(t, errutil.StatusNotFound, be.Code)
}

func TestCreateRejectsMalformedMobile(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Create(context.Background(), CreateDonorRequest{DisplayName: "Asha", Email: "asha@example.org", Mobile: "98123"})
	be, ok := errutil.As(err)
	require.True(t, ok)
	require.Equal(t, errutil.StatusValidationFailed, be.Code)
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t)
	donor, err := svc.Create(context.Background(), CreateDonorRequest{DisplayName: "Ravi", Email: "ravi@example.org"})
	require.NoError(t, err)

	t.Run("no identity", func(t *testing.T) {
		_, err := svc.Authenticate(context.Background(), "")
		require.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("registered subject", func(t *testing.T) {
		ctx := middleware.WithIdentity(context.Background(), middleware.Identity{Subject: donor.ID, Role: middleware.RoleDonor})
		got, err := svc.Authenticate(ctx, donor.ID)
		require.NoError(t, err)
		require.Equal(t, donor.ID, got.ID)
	})

	t.Run("asserted identity differs", func(t *testing.T) {
		ctx := middleware.WithIdentity(context.Background(), middleware.Identity{Subject: donor.ID, Role: middleware.RoleDonor})
		_, err := svc.Authenticate(ctx, "someone-else")
		require.ErrorIs(t, err, ErrIdentityMismatch)
	})

	t.Run("unknown subject", func(t *testing.T) {
		ctx := middleware.WithIdentity(context.Background(), middleware.Identity{Subject: "ghost", Role: middleware.RoleDonor})
		_, err := svc.Authenticate(ctx, "")
		require.ErrorIs(t, err, ErrUnauthenticated)
	})
}
