// Package segfile persists serialized segment images. A file holds the
// segment's certificate followed by its appended bytes; opening a file
// verifies the certificate before handing the segment back, so a torn or
// corrupted file is reported rather than replayed.
package segfile

import (
	"bufio"
	"fmt"
	"os"

	"golang.org/x/exp/mmap"

	"github.com/taschik/ramcloud/pkg/metrics"
	"github.com/taschik/ramcloud/pkg/segment"
	"github.com/taschik/ramcloud/util"
)

// Write serializes seg to path: certificate first, then the appended bytes.
// The file is synced to disk before Write returns.
func Write(path string, seg *segment.Segment) error {
	length, cert := seg.AppendedLength()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open segment file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(cert.MarshalBinary()); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	body, _ := seg.AppendAll(make([]byte, 0, length))
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write segment body: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush segment file: %w", err)
	}
	if err := syncFile(f); err != nil {
		return fmt.Errorf("sync segment file: %w", err)
	}

	metrics.SegmentFilesWritten.Inc()
	metrics.SegmentBytesWritten.Add(float64(length))
	util.Debug("wrote segment file %s (%d bytes)", path, length)
	return nil
}

// Open maps the file at path, verifies its certificate, and returns the
// segment as an immutable wrapped image. A file whose metadata fails the
// integrity check is rejected entirely; no partial segment is returned.
func Open(path string) (*segment.Segment, segment.Certificate, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, segment.Certificate{}, fmt.Errorf("mmap segment file: %w", err)
	}
	defer r.Close()

	if r.Len() < segment.CertificateSize {
		return nil, segment.Certificate{}, fmt.Errorf("segment file %s truncated: %d bytes", path, r.Len())
	}

	certBytes := make([]byte, segment.CertificateSize)
	if _, err := r.ReadAt(certBytes, 0); err != nil {
		return nil, segment.Certificate{}, fmt.Errorf("read certificate: %w", err)
	}
	cert, err := segment.UnmarshalCertificate(certBytes)
	if err != nil {
		return nil, segment.Certificate{}, err
	}

	body := make([]byte, r.Len()-segment.CertificateSize)
	if _, err := r.ReadAt(body, segment.CertificateSize); err != nil {
		return nil, segment.Certificate{}, fmt.Errorf("read segment body: %w", err)
	}

	if uint32(len(body)) != cert.SegmentLength {
		metrics.SegmentFilesCorrupt.Inc()
		return nil, segment.Certificate{}, fmt.Errorf("segment file %s: body is %d bytes, certificate says %d",
			path, len(body), cert.SegmentLength)
	}

	seg := segment.WrapSegment(body)
	if !seg.CheckMetadataIntegrity(cert) {
		metrics.SegmentFilesCorrupt.Inc()
		return nil, segment.Certificate{}, fmt.Errorf("segment file %s failed metadata integrity check", path)
	}
	return seg, cert, nil
}
