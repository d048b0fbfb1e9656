package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SegmentFilesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storage_segment_files_written_total",
		Help: "Total number of serialized segment files written",
	})

	SegmentFilesCorrupt = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storage_segment_files_corrupt_total",
		Help: "Total number of segment files that failed metadata integrity checks on open",
	})

	SegmentBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storage_segment_bytes_written_total",
		Help: "Total segment bytes written to serialized segment files",
	})

	EnumerationBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storage_enumeration_batches_total",
		Help: "Total number of enumeration batches served",
	})

	EnumerationObjects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storage_enumeration_objects_total",
		Help: "Total number of objects emitted by enumeration",
	})
)
