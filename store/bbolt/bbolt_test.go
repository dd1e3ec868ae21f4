package bbolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onkoto/devicepki/store"
	"github.com/onkoto/devicepki/store/storetest"
)

func TestBBoltStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		t.Helper()
		s, err := Open(filepath.Join(t.TempDir(), "pki.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
