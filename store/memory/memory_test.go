package memory

import (
	"testing"

	"github.com/onkoto/devicepki/store"
	"github.com/onkoto/devicepki/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}
