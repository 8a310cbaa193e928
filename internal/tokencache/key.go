package tokencache

import (
	"fmt"
	"time"
)

// Key identifies a cached token. The version stamp is the session's last
// update time: once the session changes, keys built from the old stamp are
// never looked up again, so nothing has to be invalidated explicitly.
type Key struct {
	SessionID      string
	Template       string
	OrganizationID string
	Version        time.Time
}

// String renders the key deterministically.
func (k Key) String() string {
	return fmt.Sprintf("%s-%s-%s-%d", k.SessionID, k.Template, k.OrganizationID, k.Version.UnixNano())
}
