package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// WriteScript writes an executable /bin/sh script and returns its path.
// Invoked with default options the script sees the input file as $5 and the
// output directory as $7.
func WriteScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analysis.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

// SuccessScript writes an annotation and a sequence file into the output
// directory, like a successful analysis does.
const SuccessScript = `echo "annotating $5"
echo "warning: short contig" >&2
printf '##gff-version 3\n' > "$7/genome_StORFs.gff"
printf '>orf1\nATGAAATAG\n' > "$7/genome_StORFs.fasta"
`
