package exchange

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFactoryReusesClientPerKey(t *testing.T) {
	f := NewFactory(Options{RESTURL: "http://127.0.0.1:1"})
	cred := testCredential()

	first, err := f.Client(cred)
	require.NoError(t, err)
	again, err := f.Client(cred)
	require.NoError(t, err)
	require.Same(t, first, again)

	rotated := cred
	rotated.APIKey = "key-2"
	fresh, err := f.Client(rotated)
	require.NoError(t, err)
	require.NotSame(t, first, fresh)
	require.Equal(t, 1, f.size())

	other := cred
	other.AccountID = "acc-2"
	_, err = f.Client(other)
	require.NoError(t, err)
	require.Equal(t, 2, f.size())

	f.Forget(cred.AccountID)
	require.Equal(t, 1, f.size())
	f.Forget("unknown")
	require.Equal(t, 1, f.size())
}
