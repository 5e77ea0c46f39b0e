package session

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mevdschee/pgdog/internal/metrics"
	"github.com/mevdschee/pgdog/internal/perr"
	"github.com/mevdschee/pgdog/internal/wire"
)

func TestSendErrorIncrementsQueryErrorsMetric(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := &Session{conn: wire.NewConn(server), clusterName: "main"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 256)
		client.Read(buf) // drain the ErrorResponse so sendError's write doesn't block
	}()

	before := testutil.ToFloat64(metrics.QueryErrors.WithLabelValues("main", "53300"))
	s.sendError(perr.PoolCheckoutTimeout("main/0/primary/h:5432"))
	<-done

	after := testutil.ToFloat64(metrics.QueryErrors.WithLabelValues("main", "53300"))
	if after != before+1 {
		t.Errorf("QueryErrors{main,53300} = %v, want %v", after, before+1)
	}
}
