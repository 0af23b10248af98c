package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTVerifierRoundTrip(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	raw, err := v.Issue("driver-1", "driver", time.Minute)
	require.NoError(t, err)

	tok, err := v.VerifyIDToken(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "driver-1", tok.UID)
	require.Equal(t, "driver", tok.Claims["role"])
}

func TestJWTVerifierRejectsForeignSecret(t *testing.T) {
	raw, err := NewJWTVerifier("other").Issue("p1", "", time.Minute)
	require.NoError(t, err)

	_, err = NewJWTVerifier("s3cret").VerifyIDToken(context.Background(), raw)
	require.Error(t, err)
}

func TestJWTVerifierRejectsExpired(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	raw, err := v.Issue("p1", "", -time.Minute)
	require.NoError(t, err)

	_, err = v.VerifyIDToken(context.Background(), raw)
	require.Error(t, err)
}
