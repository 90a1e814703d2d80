package tabreg

import (
	"os"
	"sync"

	"github.com/google/uuid"
)

// EnvTabID lets a restarted client session resume its previous tab identity,
// the equivalent of tab-scoped storage surviving a reload.
const EnvTabID = "COLOCK_TAB_ID"

var (
	tabIDOnce sync.Once
	tabID     string
)

// TabID returns this process's stable tab identifier. It is generated once
// per process lifetime and never shared with sibling processes: same process
// always gets the same id, different processes get different ids with
// overwhelming probability.
func TabID() string {
	tabIDOnce.Do(func() {
		if v := os.Getenv(EnvTabID); v != "" {
			tabID = v
			return
		}
		tabID = "tab-" + uuid.NewString()
	})
	return tabID
}

// NewTabID mints a fresh tab identifier without touching the process-wide
// one. Used when one process hosts several independent client sessions.
func NewTabID() string {
	return "tab-" + uuid.NewString()
}
