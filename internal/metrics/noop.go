package metrics

// Noop is a Collector that discards everything. Used when metrics are
// disabled and as the core's default.
type Noop struct{}

var _ Collector = Noop{}

func (Noop) ConnectionOpened()            {}
func (Noop) ConnectionClosed()            {}
func (Noop) NameplateClaimed()            {}
func (Noop) MailboxOpened()               {}
func (Noop) MessageAdded(int)             {}
func (Noop) UsageRecorded(string, string) {}
func (Noop) PruneRun()                    {}
func (Noop) AppsActive(int)               {}
