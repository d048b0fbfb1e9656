package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(SegmentFilesWritten, SegmentFilesCorrupt, SegmentBytesWritten,
		EnumerationBatches, EnumerationObjects)
	prometheus.MustRegister(RecoveriesStarted, RecoveriesFinished, RecoveryDuration,
		ReplicasGathered, ReplicasFiltered, RecoveryMastersStarted,
		BackupFailures, HeadRollovers)
}

func StartMetricsServer(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", port)
		fmt.Println("[METRICS] Prometheus exporter listening on", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			fmt.Printf("[METRICS] Failed to start metrics server: %v\n", err)
		}
	}()
}
