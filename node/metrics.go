package node

import "github.com/uber-go/tally/v4"

type metrics struct {
	envelopesReceived tally.Counter
	envelopesDropped  tally.Counter
	filesSent         tally.Counter
	filesReceived     tally.Counter
	transferFailures  tally.Counter
	broadcasts        tally.Counter
	onlinePeers       tally.Gauge
}

func newMetrics(scope tally.Scope) metrics {
	return metrics{
		envelopesReceived: scope.Counter("envelopes_received"),
		envelopesDropped:  scope.Counter("envelopes_dropped"),
		filesSent:         scope.Counter("files_sent"),
		filesReceived:     scope.Counter("files_received"),
		transferFailures:  scope.Counter("transfer_failures"),
		broadcasts:        scope.Counter("broadcasts"),
		onlinePeers:       scope.Gauge("online_peers"),
	}
}
