package store_test

import (
	"testing"

	"github.com/warp/tontine-engine/ledger"
	"github.com/warp/tontine-engine/ledger/store"
	"github.com/warp/tontine-engine/ledger/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore { return store.NewMemory() })
}
