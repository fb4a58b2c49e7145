package checks

// Reading is what a coverage parser extracted from a probe's output.
// Found is false when the output carried no summary in the parser's format.
type Reading struct {
	Found   bool
	Percent float64
	Summary string
}

// Parser extracts a statement-coverage figure from raw command output.
type Parser interface {
	Parse(output string) Reading
}
