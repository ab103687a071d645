package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type logMetrics struct {
	bytesWritten          prometheus.Counter
	batchesWritten        prometheus.Counter
	appends               prometheus.Counter
	batchBytesRead        prometheus.Counter
	batchesRead           prometheus.Counter
	segmentRotations      prometheus.Counter
	segmentsDeleted       prometheus.Counter
	lastSegmentAgeSeconds prometheus.Gauge
}

func newLogMetrics(reg prometheus.Registerer) *logMetrics {
	return &logMetrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_batch_bytes_written",
			Help: "wal_batch_bytes_written counts the encoded bytes of batches appended." +
				" Actual bytes written to disk are slightly higher due to frame headers.",
		}),
		batchesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_batches_written",
			Help: "wal_batches_written counts the number of batches appended.",
		}),
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_appends",
			Help: "wal_appends counts the number of calls to Append.",
		}),
		batchBytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_batch_bytes_read",
			Help: "wal_batch_bytes_read counts the encoded bytes of batches read back from segments.",
		}),
		batchesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_batches_read",
			Help: "wal_batches_read counts the number of batches read by cursors.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_segment_rotations",
			Help: "wal_segment_rotations counts how many times a new segment file was opened.",
		}),
		segmentsDeleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_segments_deleted",
			Help: "wal_segments_deleted counts segment files removed by retention.",
		}),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wal_last_segment_age_seconds",
			Help: "wal_last_segment_age_seconds is set each time a segment is sealed to the" +
				" number of seconds between its creation and its sealing.",
		}),
	}
}
