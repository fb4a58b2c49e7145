package checks

import (
	"fmt"
	"regexp"
	"strconv"
)

var (
	jestStatementsRe = regexp.MustCompile(`Statements\s*:\s*([\d.]+)%`)
	vitestAllFilesRe = regexp.MustCompile(`All files\s*\|\s*([\d.]+)`)
)

// JestSummaryParser reads jest's text-summary reporter:
//
//	Statements   : 81.25% ( 130/160 )
type JestSummaryParser struct{}

func (p *JestSummaryParser) Parse(output string) Reading {
	return parsePercent(jestStatementsRe, output)
}

// VitestTableParser reads the "All files" row of vitest's text coverage table:
//
//	All files |   74.5 |    60.1 | ...
type VitestTableParser struct{}

func (p *VitestTableParser) Parse(output string) Reading {
	return parsePercent(vitestAllFilesRe, output)
}

func parsePercent(re *regexp.Regexp, output string) Reading {
	m := re.FindStringSubmatch(output)
	if m == nil {
		return Reading{Summary: "no coverage summary"}
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Reading{Summary: fmt.Sprintf("unreadable coverage %q", m[1])}
	}
	return Reading{Found: true, Percent: pct, Summary: fmt.Sprintf("%g%% statements", pct)}
}
