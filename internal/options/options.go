// Package options holds the analysis options a client submits with a genome
// and turns them into the argument vector of the external analysis image.
package options

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"storf/internal/apperrors"
)

const (
	AnnotationPyrodigal    = "Pyrodigal"
	AnnotationProkka       = "Prokka"
	AnnotationBakta        = "Bakta"
	AnnotationFeatureTypes = "Feature_Types"

	InputSingleFASTA      = "Single_FASTA"
	InputMultipleFASTA    = "Multiple_FASTA"
	InputSingleCombined   = "Single_Combined"
	InputMultipleCombined = "Multiple_Combined"

	PyTrainLongest    = "longest"
	PyTrainIndividual = "individual"
	PyTrainMeta       = "meta"

	OlapNone         = "none"
	OlapSingleStrand = "single-strand"
	OlapBothStrand   = "both-strand"

	DefaultStopCodons = "TAG,TGA,TAA"

	maxLength     = 100_000_000
	maxStopCodons = 8
)

var (
	annotationTypes = []string{AnnotationPyrodigal, AnnotationProkka, AnnotationBakta, AnnotationFeatureTypes}
	inputTypes      = []string{InputSingleFASTA, InputMultipleFASTA, InputSingleCombined, InputMultipleCombined}
	pyTrainModes    = []string{PyTrainLongest, PyTrainIndividual, PyTrainMeta}
	olapFilters     = []string{OlapNone, OlapSingleStrand, OlapBothStrand}
)

// Options are the user-facing knobs of one analysis run.
type Options struct {
	AnnotationType string `json:"annotationType"`
	InputType      string `json:"inputType"`
	MinLen         int    `json:"minLen"`
	MaxLen         int    `json:"maxLen"`
	MinOrf         int    `json:"minOrf"`
	MaxOrf         int    `json:"maxOrf"`
	AminoAcid      bool   `json:"aminoAcid"`
	GzOutput       bool   `json:"gzOutput"`
	Verbose        bool   `json:"verbose"`
	PyTrain        string `json:"pyTrain"`
	StopCodons     string `json:"stopCodons"`
	OlapFilt       string `json:"olapFilt"`
}

// Defaults returns the option set the form starts with.
func Defaults() Options {
	return Options{
		AnnotationType: AnnotationPyrodigal,
		InputType:      InputSingleFASTA,
		MinLen:         30,
		MaxLen:         100000,
		MinOrf:         99,
		MaxOrf:         60000,
		PyTrain:        PyTrainLongest,
		StopCodons:     DefaultStopCodons,
		OlapFilt:       OlapBothStrand,
	}
}

// Parse decodes an options document on top of the defaults and validates it.
// An empty document yields the defaults.
func Parse(raw []byte) (Options, error) {
	opts := Defaults()
	if len(bytes.TrimSpace(raw)) == 0 {
		return opts, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil {
		verr := &apperrors.ValidationError{}
		verr.Addf("options: invalid document: %v", err)
		return Options{}, verr
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks every field against its allow-list, type and range. Every
// value that reaches Args has passed through here.
func (o Options) Validate() error {
	verr := &apperrors.ValidationError{}

	if !oneOf(o.AnnotationType, annotationTypes) {
		verr.Addf("annotationType must be one of %s", strings.Join(annotationTypes, ", "))
	}
	if !oneOf(o.InputType, inputTypes) {
		verr.Addf("inputType must be one of %s", strings.Join(inputTypes, ", "))
	}
	checkRange(verr, "minLen", "maxLen", o.MinLen, o.MaxLen)
	checkRange(verr, "minOrf", "maxOrf", o.MinOrf, o.MaxOrf)
	if !oneOf(o.PyTrain, pyTrainModes) {
		verr.Addf("pyTrain must be one of %s", strings.Join(pyTrainModes, ", "))
	}
	if !oneOf(o.OlapFilt, olapFilters) {
		verr.Addf("olapFilt must be one of %s", strings.Join(olapFilters, ", "))
	}
	if err := validateCodons(o.StopCodons); err != nil {
		verr.Add(err)
	}

	return verr.OrNil()
}

func checkRange(verr *apperrors.ValidationError, minName, maxName string, min, max int) {
	ok := true
	if min <= 0 || min > maxLength {
		verr.Addf("%s must be between 1 and %d", minName, maxLength)
		ok = false
	}
	if max <= 0 || max > maxLength {
		verr.Addf("%s must be between 1 and %d", maxName, maxLength)
		ok = false
	}
	if ok && min > max {
		verr.Addf("%s (%d) must not exceed %s (%d)", minName, min, maxName, max)
	}
}

func validateCodons(list string) error {
	if list == "" {
		return fmt.Errorf("stopCodons must not be empty")
	}
	tokens := strings.Split(list, ",")
	if len(tokens) > maxStopCodons {
		return fmt.Errorf("stopCodons accepts at most %d codons", maxStopCodons)
	}
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		if len(tok) != 3 {
			return fmt.Errorf("stopCodons: %q is not a codon", tok)
		}
		for _, r := range tok {
			switch r {
			case 'A', 'C', 'G', 'T':
			default:
				return fmt.Errorf("stopCodons: %q contains a base outside A, C, G, T", tok)
			}
		}
		if seen[tok] {
			return fmt.Errorf("stopCodons: %q listed twice", tok)
		}
		seen[tok] = true
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Args builds the argument vector passed to the analysis image. The order is
// fixed and only values that differ from Defaults produce a flag.
func (o Options) Args(inputFile, outputDir string) []string {
	def := Defaults()
	args := []string{
		"-anno", o.AnnotationType, o.InputType,
		"-p", inputFile,
		"-odir", outputDir,
	}

	if o.MinLen != def.MinLen {
		args = append(args, "-min_len", strconv.Itoa(o.MinLen))
	}
	if o.MaxLen != def.MaxLen {
		args = append(args, "-max_len", strconv.Itoa(o.MaxLen))
	}
	if o.MinOrf != def.MinOrf {
		args = append(args, "-minorf", strconv.Itoa(o.MinOrf))
	}
	if o.MaxOrf != def.MaxOrf {
		args = append(args, "-maxorf", strconv.Itoa(o.MaxOrf))
	}
	if o.AminoAcid {
		args = append(args, "-aa", "True")
	}
	if o.GzOutput {
		args = append(args, "-gz", "True")
	}
	if o.Verbose {
		args = append(args, "-verbose", "True")
	}
	if o.AnnotationType == AnnotationPyrodigal && o.PyTrain != def.PyTrain {
		args = append(args, "-py_train", o.PyTrain)
	}
	if o.StopCodons != def.StopCodons {
		args = append(args, "-codons", o.StopCodons)
	}
	if o.OlapFilt != def.OlapFilt {
		args = append(args, "-olap_filt", o.OlapFilt)
	}
	return args
}
