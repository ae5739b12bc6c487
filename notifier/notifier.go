package notifier

import (
	"context"
	"time"

	"github.com/inconshreveable/log15"
	"golang.org/x/xerrors"
)

// ErrDelivery is a notice the channel did not accept
var ErrDelivery = xerrors.New("delivery failed")

// DefaultLinkBase is prefixed to the CVE ID to build Notice.Link
const DefaultLinkBase = "https://nvd.nist.gov/vuln/detail/"

// Notice announces one qualifying CVE
type Notice struct {
	CveID        string
	Assigner     string
	Description  string
	PublishedAt  *time.Time
	BaseScore    float64
	BaseSeverity string
	Link         string
}

// Overflow replaces the individual notices when too many CVEs qualify at once
type Overflow struct {
	Count     int
	Threshold float64
}

// Notifier delivers notices. Errors should wrap ErrDelivery.
type Notifier interface {
	Notify(context.Context, Notice) error
	NotifyOverflow(context.Context, Overflow) error
}

// LogNotifier writes notices to the log instead of sending them
type LogNotifier struct{}

// Notify :
func (LogNotifier) Notify(_ context.Context, n Notice) error {
	log15.Info("New vulnerability", "cveID", n.CveID, "score", n.BaseScore, "severity", n.BaseSeverity, "link", n.Link)
	return nil
}

// NotifyOverflow :
func (LogNotifier) NotifyOverflow(_ context.Context, o Overflow) error {
	log15.Info("Too many new vulnerabilities to list", "count", o.Count, "threshold", o.Threshold)
	return nil
}
