// Package results classifies the files an analysis produces and serves them
// for download from either storage mode.
package results

import (
	"os"
	"path/filepath"
	"strings"

	"storf/internal/apperrors"
	"storf/internal/models"
	"storf/internal/storage"
)

type Kind string

const (
	KindGFF   Kind = "gff"
	KindFASTA Kind = "fasta"
	KindLog   Kind = "log"
)

// Logical names under which outputs are recorded in a job's result.
const (
	PrimaryAnnotation = "primary-annotation"
	PrimarySequence   = "primary-sequence"
)

var (
	gffSuffixes   = []string{".gff"}
	fastaSuffixes = []string{".fa", ".fasta", ".fna"}
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindGFF, KindFASTA, KindLog:
		return Kind(s), nil
	}
	verr := &apperrors.ValidationError{}
	verr.Addf("invalid file type %q: must be gff, fasta or log", s)
	return "", verr
}

func (k Kind) LogicalName() string {
	switch k {
	case KindGFF:
		return PrimaryAnnotation
	case KindFASTA:
		return PrimarySequence
	default:
		return string(k)
	}
}

// Classify maps an output filename to its kind by extension, optionally
// gzip-compressed.
func Classify(filename string) (kind Kind, compressed bool, ok bool) {
	name := strings.ToLower(filename)
	if strings.HasSuffix(name, ".gz") {
		compressed = true
		name = strings.TrimSuffix(name, ".gz")
	}
	ext := filepath.Ext(name)
	for _, s := range gffSuffixes {
		if ext == s {
			return KindGFF, compressed, true
		}
	}
	for _, s := range fastaSuffixes {
		if ext == s {
			return KindFASTA, compressed, true
		}
	}
	return "", false, false
}

// Capture records the artifacts found in an output directory, keyed by
// logical name. Files are visited in name order and the first match of each
// kind wins. With embed set the file bytes are carried in the record.
func Capture(dir string, embed bool) (map[string]models.Output, error) {
	names, err := storage.ListFiles(dir)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]models.Output)
	for _, name := range names {
		kind, compressed, ok := Classify(name)
		if !ok {
			continue
		}
		key := kind.LogicalName()
		if _, seen := outputs[key]; seen {
			continue
		}
		out := models.Output{
			Filename:   name,
			Location:   filepath.Join("output", name),
			Compressed: compressed,
		}
		if embed {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, apperrors.Storage("read output", err)
			}
			out.Content = data
		}
		outputs[key] = out
	}
	return outputs, nil
}

// Filename is the attachment name offered to clients.
func Filename(kind Kind, compressed bool) string {
	name := "storf_results." + string(kind)
	if compressed {
		name += ".gz"
	}
	return name
}

func ContentType(compressed bool) string {
	if compressed {
		return "application/gzip"
	}
	return "text/plain; charset=utf-8"
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
