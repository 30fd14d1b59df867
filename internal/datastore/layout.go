package datastore

import (
	"fmt"
	"path/filepath"
	"time"
)

// Output tree directory names
const (
	ImagesDir    = "images"
	AnnotatedDir = "annotated"
	ResultsDir   = "results"
	dateLayout   = "2006-01-02"
)

// Layout maps records to locations in the output tree:
//
//	<output_dir>/images/YYYY-MM-DD/<file>
//	<output_dir>/annotated/YYYY-MM-DD/<base>_<id>_annotated<ext>
//	<output_dir>/results/YYYY-MM-DD/<base>_<id>.json
//
// The date level is omitted when OrganizeByDate is false.
type Layout struct {
	OutputDir      string
	OrganizeByDate bool
}

func (l Layout) dir(kind string, t time.Time) string {
	if l.OrganizeByDate {
		return filepath.Join(l.OutputDir, kind, t.Local().Format(dateLayout))
	}
	return filepath.Join(l.OutputDir, kind)
}

// ImagesDir is where originals created at t are stored
func (l Layout) ImagesDir(t time.Time) string { return l.dir(ImagesDir, t) }

// AnnotatedPath is the annotated copy of source for record id
func (l Layout) AnnotatedPath(t time.Time, source string, id uint64) string {
	name := fmt.Sprintf("%s_%d_annotated%s", baseName(source), id, filepath.Ext(source))
	return filepath.Join(l.dir(AnnotatedDir, t), name)
}

// SidecarPath is the JSON sidecar of record id
func (l Layout) SidecarPath(t time.Time, source string, id uint64) string {
	return filepath.Join(l.dir(ResultsDir, t), fmt.Sprintf("%s_%d.json", baseName(source), id))
}
