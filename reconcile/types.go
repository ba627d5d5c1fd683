package reconcile

import (
	"encoding/json"
	"strings"

	"github.com/breez/partial-sync/store"
)

// Operation is the kind of the local action that triggered a notification.
type Operation string

const (
	OpPost   Operation = "post"
	OpPatch  Operation = "patch"
	OpPut    Operation = "put"
	OpDelete Operation = "delete"
)

// ChangeNotification tells a client that resources it may hold locally
// changed on the server.
type ChangeNotification struct {
	// Tables is the comma-delimited list of affected resources.
	Tables  string      `json:"tables"`
	Query   store.Query `json:"query"`
	Hashsum string      `json:"hashsum"`
	// Op is the server side operation kind, sent as the Range header unless
	// Range is set.
	Op       string    `json:"op"`
	OrigOp   Operation `json:"orig_op"`
	DeviceID string    `json:"deviceID"`
	Path     string    `json:"path"`
	Range    string    `json:"range,omitempty"`
}

// ResourceNames splits Tables in input order. Empty names are kept so that
// they fail table resolution like any other unknown name.
func (n ChangeNotification) ResourceNames() []string {
	names := strings.Split(n.Tables, ",")
	for i, name := range names {
		names[i] = strings.TrimSpace(name)
	}
	return names
}

func (n ChangeNotification) RangeValue() string {
	if n.Range != "" {
		return n.Range
	}
	return n.Op
}

// ChangeRecord describes one resource change applied to the local replica.
type ChangeRecord struct {
	Query    store.Query     `json:"query"`
	DeviceID string          `json:"deviceID"`
	Resource string          `json:"resource"`
	Op       Operation       `json:"op"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Target is a single resource resolved against the local replica.
type Target struct {
	Table    store.Table
	Resource string
	Query    store.Query
	DeviceID string
	OrigOp   Operation
	Path     string
	Range    string
}

func (n ChangeNotification) target(table store.Table) Target {
	return Target{
		Table:    table,
		Resource: table.Name(),
		Query:    n.Query,
		DeviceID: n.DeviceID,
		OrigOp:   n.OrigOp,
		Path:     n.Path,
		Range:    n.RangeValue(),
	}
}

// Resolution is the outcome of resolving a Target. When Applied is false the
// local replica was left untouched and Err, if set, tells why.
type Resolution struct {
	Applied bool
	Record  ChangeRecord
	Err     error
}
