package segfile_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/taschik/ramcloud/pkg/segment"
	"github.com/taschik/ramcloud/pkg/segment/segfile"
)

func buildSegment(t *testing.T) *segment.Segment {
	t.Helper()
	alloc, err := segment.NewSegletAllocator(1024, 4)
	if err != nil {
		t.Fatalf("NewSegletAllocator failed: %v", err)
	}
	seglets, _ := alloc.Alloc(4)
	seg, err := segment.NewSegmentWithSeglets(seglets)
	if err != nil {
		t.Fatalf("NewSegmentWithSeglets failed: %v", err)
	}
	seg.Append(segment.EntryLogDigest, segment.MarshalDigest([]uint64{7, 8, 9}))
	for i := 0; i < 5; i++ {
		seg.Append(segment.EntryObject, bytes.Repeat([]byte{byte(i)}, 50+i))
	}
	return seg
}

func TestWriteOpenRoundTrip(t *testing.T) {
	seg := buildSegment(t)
	path := filepath.Join(t.TempDir(), "seg-10.img")

	if err := segfile.Write(path, seg); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	loaded, cert, err := segfile.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	wantLength, wantCert := seg.AppendedLength()
	if cert != wantCert {
		t.Errorf("certificate mismatch: got %v, want %v", cert, wantCert)
	}
	gotLength, _ := loaded.AppendedLength()
	if gotLength != wantLength {
		t.Errorf("length mismatch: got %d, want %d", gotLength, wantLength)
	}

	it := segment.NewIterator(loaded)
	first, ok := it.Next()
	if !ok || first.Type != segment.EntryLogDigest {
		t.Fatalf("first entry = %v (ok=%v), want log digest", first.Type, ok)
	}
	ids, err := segment.ParseDigest(first.Payload)
	if err != nil || len(ids) != 3 || ids[0] != 7 {
		t.Errorf("digest round-trip failed: ids=%v err=%v", ids, err)
	}

	objects := 0
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		if e.Type == segment.EntryObject {
			objects++
		}
	}
	if objects != 5 {
		t.Errorf("read back %d objects, want 5", objects)
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	seg := buildSegment(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "seg-11.img")
	if err := segfile.Write(path, seg); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	t.Run("TruncatedBody", func(t *testing.T) {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		bad := filepath.Join(dir, "truncated.img")
		if err := os.WriteFile(bad, data[:len(data)-10], 0o644); err != nil {
			t.Fatal(err)
		}
		if _, _, err := segfile.Open(bad); err == nil {
			t.Error("truncated file must be rejected")
		}
	})

	t.Run("FlippedMetadataByte", func(t *testing.T) {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		// Byte 8 is the first entry header past the certificate.
		data[8] ^= 0x01
		bad := filepath.Join(dir, "flipped.img")
		if err := os.WriteFile(bad, data, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, _, err := segfile.Open(bad); err == nil {
			t.Error("corrupt metadata must be rejected")
		}
	})

	t.Run("TooShortForCertificate", func(t *testing.T) {
		bad := filepath.Join(dir, "short.img")
		if err := os.WriteFile(bad, []byte{1, 2, 3}, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, _, err := segfile.Open(bad); err == nil {
			t.Error("file shorter than a certificate must be rejected")
		}
	})
}
