package jointoken

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

func TestIssueThenRedeemOnceSucceeds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)
	ctx := context.Background()

	token, err := s.Issue(ctx, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, s.Redeem(ctx, token))
}

func TestRedeemTwiceFailsSecondTime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)
	ctx := context.Background()

	token, err := s.Issue(ctx, time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Redeem(ctx, token))

	err = s.Redeem(ctx, token)
	require.Error(t, err)
	require.Equal(t, errkind.Authentication, errkind.Of(err))
}

func TestRedeemExpiredTokenFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)
	ctx := context.Background()

	token, err := s.Issue(ctx, time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	err = s.Redeem(ctx, token)
	require.Error(t, err)
	require.Equal(t, errkind.Authentication, errkind.Of(err))
}

func TestRedeemUnknownTokenFails(t *testing.T) {
	s := New(clockwork.NewFakeClock())
	err := s.Redeem(context.Background(), "never-issued")
	require.Error(t, err)
	require.Equal(t, errkind.Authentication, errkind.Of(err))
}
