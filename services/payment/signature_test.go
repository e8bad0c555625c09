package payment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	sig := Sign("s3cret", "order_1", "pay_1")
	require.Len(t, sig, 64)

	require.True(t, VerifySignature("s3cret", "order_1", "pay_1", sig))
	require.False(t, VerifySignature("s3cret", "order_1", "pay_2", sig))
	require.False(t, VerifySignature("other", "order_1", "pay_1", sig))
	require.False(t, VerifySignature("s3cret", "order_1", "pay_1", ""))
	require.False(t, VerifySignature("", "order_1", "pay_1", Sign("", "order_1", "pay_1")))

	// The separator keeps "ab|c" and "a|bc" apart.
	require.NotEqual(t, Sign("k", "ab", "c"), Sign("k", "a", "bc"))
}
