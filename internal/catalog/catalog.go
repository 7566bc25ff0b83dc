package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
)

// Descriptor identifies one payload file. Immutable once built; the
// dispatcher only ever reads it, so descriptors are shared between workers
// without synchronization.
type Descriptor struct {
	Path      string
	SizeBytes int64
	Modality  string
	PatientID string
	StudyUID  string
	SOPUID    string
}

// Size buckets used by Classify. Whole-slide tiles land in small/medium,
// full multiframe captures in large.
const (
	SmallMaxBytes  = 512 << 10
	MediumMaxBytes = 8 << 20

	BucketSmall  = "small"
	BucketMedium = "medium"
	BucketLarge  = "large"
)

// CatalogError reports an unusable dataset root. Fatal: a run never starts
// without payloads.
type CatalogError struct {
	Root   string
	Reason string
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog %s: %s", e.Root, e.Reason)
}

// ErrInsufficientData is returned by Sample when the request exceeds the
// available descriptors. Callers decide whether to skip or abort; the
// catalog never truncates silently.
var ErrInsufficientData = errors.New("not enough payloads in catalog")

// Discover walks root recursively and builds a descriptor per DICOM file.
// Only file meta and top-level tags are read; pixel data is skipped so
// scanning a multi-gigabyte slide archive stays cheap.
func Discover(root string) ([]Descriptor, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, &CatalogError{Root: root, Reason: "root does not exist or is not a directory"}
	}

	var descs []Descriptor
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isDicomFile(path) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		desc := Descriptor{Path: path, SizeBytes: fi.Size()}
		fillMeta(&desc)
		descs = append(descs, desc)
		return nil
	})
	if err != nil {
		return nil, &CatalogError{Root: root, Reason: err.Error()}
	}
	if len(descs) == 0 {
		return nil, &CatalogError{Root: root, Reason: "no .dcm files found"}
	}

	// Stable order regardless of filesystem walk quirks, so sampling with a
	// fixed seed is reproducible across hosts.
	sort.Slice(descs, func(i, j int) bool { return descs[i].Path < descs[j].Path })
	return descs, nil
}

func isDicomFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".dcm")
}

// fillMeta extracts classification tags. A payload whose header cannot be
// parsed still enters the catalog by size; the send itself will surface the
// data problem as a rejection.
func fillMeta(desc *Descriptor) {
	ds, err := dicom.ReadDataSetFromFile(desc.Path, dicom.ReadOptions{DropPixelData: true})
	if err != nil {
		return
	}
	desc.Modality = stringTag(ds, dicomtag.Modality)
	desc.PatientID = stringTag(ds, dicomtag.PatientID)
	desc.StudyUID = stringTag(ds, dicomtag.StudyInstanceUID)
	desc.SOPUID = stringTag(ds, dicomtag.SOPInstanceUID)
}

func stringTag(ds *dicom.DataSet, tag dicomtag.Tag) string {
	elem, err := ds.FindElementByTag(tag)
	if err != nil {
		return ""
	}
	s, err := elem.GetString()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// Classify groups descriptors into the fixed size buckets plus one bucket
// per modality code. Order within each bucket follows the input order.
func Classify(descs []Descriptor) map[string][]Descriptor {
	out := make(map[string][]Descriptor)
	for _, d := range descs {
		out[sizeBucket(d.SizeBytes)] = append(out[sizeBucket(d.SizeBytes)], d)
		if d.Modality != "" {
			out[d.Modality] = append(out[d.Modality], d)
		}
	}
	return out
}

func sizeBucket(size int64) string {
	switch {
	case size <= SmallMaxBytes:
		return BucketSmall
	case size <= MediumMaxBytes:
		return BucketMedium
	default:
		return BucketLarge
	}
}

// Sample returns count descriptors chosen without replacement. The same
// seed over the same descriptor list always yields the same sequence, which
// keeps scenario runs comparable between regressions.
func Sample(descs []Descriptor, count int, seed int64) ([]Descriptor, error) {
	if count > len(descs) {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrInsufficientData, count, len(descs))
	}
	rng := rand.New(rand.NewSource(seed))
	out := make([]Descriptor, 0, count)
	for _, idx := range rng.Perm(len(descs))[:count] {
		out = append(out, descs[idx])
	}
	return out, nil
}
