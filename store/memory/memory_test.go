package memory

import (
	"testing"

	"github.com/breez/partial-sync/store"
)

func TestLocalStorage(t *testing.T) {
	(&store.StoreTest{}).RunAll(t, NewMemoryLocalStorage())
}
