package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storf/internal/apperrors"
)

func TestParse_EmptyYieldsDefaults(t *testing.T) {
	opts, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), opts)

	opts, err = Parse([]byte("  "))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), opts)
}

func TestParse_PartialDocumentKeepsDefaults(t *testing.T) {
	opts, err := Parse([]byte(`{"minLen": 50, "aminoAcid": true}`))
	require.NoError(t, err)

	want := Defaults()
	want.MinLen = 50
	want.AminoAcid = true
	assert.Equal(t, want, opts)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"minLen": 50, "shell": "rm -rf /"}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestParse_RejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"minLen": "fifty"}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *Options)
		wantErr string
	}{
		{name: "defaults", mutate: func(o *Options) {}},
		{
			name:    "minLen above maxLen",
			mutate:  func(o *Options) { o.MinLen, o.MaxLen = 500, 100 },
			wantErr: "minLen (500) must not exceed maxLen (100)",
		},
		{
			name:    "minOrf above maxOrf",
			mutate:  func(o *Options) { o.MinOrf, o.MaxOrf = 700, 600 },
			wantErr: "minOrf (700) must not exceed maxOrf (600)",
		},
		{
			name:    "negative length",
			mutate:  func(o *Options) { o.MinLen = -1 },
			wantErr: "minLen must be between",
		},
		{
			name:    "zero orf",
			mutate:  func(o *Options) { o.MaxOrf = 0 },
			wantErr: "maxOrf must be between",
		},
		{
			name:    "unknown annotation type",
			mutate:  func(o *Options) { o.AnnotationType = "Glimmer" },
			wantErr: "annotationType must be one of",
		},
		{
			name:    "injected input type",
			mutate:  func(o *Options) { o.InputType = "Single_FASTA; rm -rf /" },
			wantErr: "inputType must be one of",
		},
		{
			name:    "unknown pyTrain",
			mutate:  func(o *Options) { o.PyTrain = "shortest" },
			wantErr: "pyTrain must be one of",
		},
		{
			name:    "unknown olapFilt",
			mutate:  func(o *Options) { o.OlapFilt = "all" },
			wantErr: "olapFilt must be one of",
		},
		{
			name:    "codon with bad base",
			mutate:  func(o *Options) { o.StopCodons = "TAG,TGX" },
			wantErr: `"TGX" contains a base outside`,
		},
		{
			name:    "codon with wrong length",
			mutate:  func(o *Options) { o.StopCodons = "TAG,TG" },
			wantErr: `"TG" is not a codon`,
		},
		{
			name:    "duplicate codon",
			mutate:  func(o *Options) { o.StopCodons = "TAG,TAG" },
			wantErr: "listed twice",
		},
		{
			name:    "empty codons",
			mutate:  func(o *Options) { o.StopCodons = "" },
			wantErr: "stopCodons must not be empty",
		},
		{
			name:    "codon list with shell metacharacters",
			mutate:  func(o *Options) { o.StopCodons = "TAG,$(id)" },
			wantErr: "stopCodons",
		},
		{
			name:   "custom codon set",
			mutate: func(o *Options) { o.StopCodons = "TAG,TGA" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Defaults()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	opts := Defaults()
	opts.MinLen, opts.MaxLen = 10, 5
	opts.OlapFilt = "sideways"

	err := opts.Validate()
	require.Error(t, err)
	verr := err.(*apperrors.ValidationError)
	assert.Len(t, verr.Errors, 2)
}

func TestArgs_DefaultsProduceNoOptionalFlags(t *testing.T) {
	args := Defaults().Args("/data/input.fasta", "/output")
	assert.Equal(t, []string{
		"-anno", "Pyrodigal", "Single_FASTA",
		"-p", "/data/input.fasta",
		"-odir", "/output",
	}, args)
}

func TestArgs_AllNonDefaultsInFixedOrder(t *testing.T) {
	opts := Options{
		AnnotationType: AnnotationPyrodigal,
		InputType:      InputMultipleFASTA,
		MinLen:         40,
		MaxLen:         90000,
		MinOrf:         120,
		MaxOrf:         50000,
		AminoAcid:      true,
		GzOutput:       true,
		Verbose:        true,
		PyTrain:        PyTrainMeta,
		StopCodons:     "TAG,TGA",
		OlapFilt:       OlapNone,
	}
	require.NoError(t, opts.Validate())

	assert.Equal(t, []string{
		"-anno", "Pyrodigal", "Multiple_FASTA",
		"-p", "in.fa",
		"-odir", "out",
		"-min_len", "40",
		"-max_len", "90000",
		"-minorf", "120",
		"-maxorf", "50000",
		"-aa", "True",
		"-gz", "True",
		"-verbose", "True",
		"-py_train", "meta",
		"-codons", "TAG,TGA",
		"-olap_filt", "none",
	}, opts.Args("in.fa", "out"))
}

func TestArgs_PyTrainOnlyForPyrodigal(t *testing.T) {
	opts := Defaults()
	opts.AnnotationType = AnnotationProkka
	opts.PyTrain = PyTrainIndividual

	assert.NotContains(t, opts.Args("in.fa", "out"), "-py_train")
}

func TestArgs_OneFlagPerNonDefaultValue(t *testing.T) {
	flagFor := map[string]func(o *Options){
		"-min_len":   func(o *Options) { o.MinLen = 31 },
		"-max_len":   func(o *Options) { o.MaxLen = 99999 },
		"-minorf":    func(o *Options) { o.MinOrf = 100 },
		"-maxorf":    func(o *Options) { o.MaxOrf = 59999 },
		"-aa":        func(o *Options) { o.AminoAcid = true },
		"-gz":        func(o *Options) { o.GzOutput = true },
		"-verbose":   func(o *Options) { o.Verbose = true },
		"-py_train":  func(o *Options) { o.PyTrain = PyTrainIndividual },
		"-codons":    func(o *Options) { o.StopCodons = "TAA" },
		"-olap_filt": func(o *Options) { o.OlapFilt = OlapSingleStrand },
	}

	base := len(Defaults().Args("in", "out"))
	for flag, mutate := range flagFor {
		t.Run(flag, func(t *testing.T) {
			opts := Defaults()
			mutate(&opts)
			require.NoError(t, opts.Validate())

			args := opts.Args("in", "out")
			assert.Len(t, args, base+2)
			assert.Equal(t, flag, args[base])

			count := 0
			for _, a := range args {
				if a == flag {
					count++
				}
			}
			assert.Equal(t, 1, count)
		})
	}
}
