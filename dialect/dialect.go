// Package dialect implements the Dialect Detector (spec component B): a
// pure function over a decoded text sample that infers delimiter, quote,
// line terminator, and header presence, each with its own confidence.
package dialect

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/datakit/tabflow"
)

// candidateDelimiters is the ordered set spec §4.B step 2 names. Order
// matters: it is the stable-sort tie-break when two candidates score
// identically.
var candidateDelimiters = []rune{',', '\t', ';', '|', ':'}

// candidateQuotes is the ordered set spec §4.B step 5 names.
var candidateQuotes = []rune{'"', '\'', '`'}

const maxSampleLines = 100
const maxDelimiterLines = 20
const maxQuoteLines = 10

// headerVocabulary is the fixed short vocabulary spec §4.B step 6 names.
var headerVocabulary = map[string]bool{
	"name": true, "id": true, "type": true, "date": true, "time": true,
	"value": true, "count": true, "amount": true, "price": true,
	"total": true, "status": true, "description": true,
}

var (
	reSnakeCase  = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)
	reCamelCase  = regexp.MustCompile(`^[a-z][a-zA-Z0-9]*$`)
	reUpperCase  = regexp.MustCompile(`^[A-Z][A-Z0-9]*(_[A-Z0-9]+)*$`)
	reSimpleWord = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)
	reNumeric    = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?$`)
)

// Detect implements spec §4.B. With fewer than 2 lines of sample it
// returns the documented defaults (comma, confidence 0.5) so the driver
// can proceed in best-effort mode.
func Detect(sample string) tabflow.DetectedDialect {
	lines := splitLines(sample)
	if len(lines) < 2 {
		return tabflow.DetectedDialect{
			Delimiter:           ',',
			DelimiterConfidence: 0.5,
			Quote:               '"',
			QuoteConfidence:     0.1,
			LineTerminator:      tabflow.LF,
			LineTermConfidence:  0.5,
			HasHeader:           false,
			HeaderConfidence:    0.0,
		}
	}

	term, termConf := detectLineTerminator(sample)

	sampleLines := lines
	if len(sampleLines) > maxSampleLines {
		sampleLines = sampleLines[:maxSampleLines]
	}

	delim, delimConf := detectDelimiter(sampleLines)
	quote, quoteConf := detectQuote(sampleLines, delim)
	hasHeader, headerConf := detectHeader(sampleLines, delim, quote)

	return tabflow.DetectedDialect{
		Delimiter:           delim,
		DelimiterConfidence: delimConf,
		Quote:               quote,
		QuoteConfidence:     quoteConf,
		LineTerminator:      term,
		LineTermConfidence:  termConf,
		HasHeader:           hasHeader,
		HeaderConfidence:    headerConf,
	}
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	// Drop a single trailing empty line produced by a final terminator.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// detectLineTerminator counts CRLF vs lone LF occurrences in the raw
// (undecoded-of-terminators) sample; majority wins, ties resolve to LF.
func detectLineTerminator(sample string) (tabflow.LineTerminator, float64) {
	crlf := strings.Count(sample, "\r\n")
	totalLF := strings.Count(sample, "\n")
	lf := totalLF - crlf
	if crlf > lf {
		return tabflow.CRLF, confidenceFromMajority(crlf, lf)
	}
	return tabflow.LF, confidenceFromMajority(lf, crlf)
}

func confidenceFromMajority(winner, loser int) float64 {
	total := winner + loser
	if total == 0 {
		return 0.5
	}
	return float64(winner) / float64(total)
}

// detectDelimiter implements spec §4.B steps 2-4.
func detectDelimiter(lines []string) (rune, float64) {
	nonEmpty := firstNonEmpty(lines, maxDelimiterLines)
	if len(nonEmpty) == 0 {
		return ',', 0.5
	}

	type scored struct {
		delim rune
		score float64
		rank  float64
		mean  float64
	}
	var candidates []scored

	for _, d := range candidateDelimiters {
		counts := make([]int, 0, len(nonEmpty))
		for _, line := range nonEmpty {
			counts = append(counts, strings.Count(line, string(d))+1)
		}
		mean, variance := meanVariance(counts)
		score := consistencyScore(mean, variance)
		rank := score + math.Min(0.3, 0.1*math.Log(mean+1))
		candidates = append(candidates, scored{delim: d, score: score, rank: rank, mean: mean})
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.rank > best.rank {
			best = c
		}
	}
	return best.delim, best.score
}

func firstNonEmpty(lines []string, limit int) []string {
	var out []string
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func meanVariance(counts []int) (mean, variance float64) {
	if len(counts) == 0 {
		return 0, 0
	}
	sum := 0
	for _, c := range counts {
		sum += c
	}
	mean = float64(sum) / float64(len(counts))
	var sq float64
	for _, c := range counts {
		d := float64(c) - mean
		sq += d * d
	}
	variance = sq / float64(len(counts))
	return mean, variance
}

// consistencyScore implements spec §4.B step 3.
func consistencyScore(mean, variance float64) float64 {
	var score float64
	switch {
	case variance == 0 && mean >= 2:
		score = 0.95
	case variance < 0.25:
		score = 0.85
	case variance < 1:
		score = 0.70
	case mean >= 2:
		score = 0.60
	default:
		score = 0.30
	}
	if mean >= 3 {
		score += 0.10
		if score > 0.98 {
			score = 0.98
		}
	}
	if mean < 2 {
		score /= 2
	}
	return score
}

// detectQuote implements spec §4.B step 5.
func detectQuote(lines []string, delim rune) (rune, float64) {
	nonEmpty := firstNonEmpty(lines, maxQuoteLines)
	if len(nonEmpty) == 0 {
		return '"', 0.1
	}

	bestScore := -1.0
	bestQuote := rune('"')

	for _, q := range candidateQuotes {
		quoted := 0
		properPairs := 0
		totalFields := 0
		for _, line := range nonEmpty {
			fields := strings.Split(line, string(delim))
			for _, f := range fields {
				totalFields++
				trimmed := strings.TrimSpace(f)
				if len(trimmed) >= 1 && strings.HasPrefix(trimmed, string(q)) {
					quoted++
					if len(trimmed) >= 2 && strings.HasSuffix(trimmed, string(q)) {
						properPairs++
					}
				}
			}
		}
		if totalFields == 0 {
			continue
		}
		ratio := float64(quoted) / float64(totalFields)
		pairRatio := 1.0
		if quoted > 0 {
			pairRatio = float64(properPairs) / float64(quoted)
		}
		score := quoteScore(ratio, pairRatio)
		if score > bestScore {
			bestScore = score
			bestQuote = q
		}
	}
	if bestScore < 0 {
		return '"', 0.1
	}
	return bestQuote, bestScore
}

func quoteScore(ratio, pairRatio float64) float64 {
	switch {
	case ratio > 0.3 && pairRatio > 0.8:
		return 0.9
	case ratio > 0.1 && pairRatio > 0.7:
		return 0.7
	case ratio > 0:
		return 0.5
	default:
		return 0.1
	}
}

// detectHeader implements spec §4.B step 6.
func detectHeader(lines []string, delim, quote rune) (bool, float64) {
	nonEmpty := firstNonEmpty(lines, 2)
	if len(nonEmpty) < 2 {
		return false, 0.0
	}

	first := splitNaive(nonEmpty[0], delim, quote)
	second := splitNaive(nonEmpty[1], delim, quote)
	n := len(first)
	if n == 0 {
		return false, 0.0
	}

	headerLike := 0
	for i, cell := range first {
		var below string
		if i < len(second) {
			below = second[i]
		}
		if looksLikeHeader(cell, below) {
			headerLike++
		}
	}
	r := float64(headerLike) / float64(n)

	lowerThreshold := 0.0
	if n > 10 {
		lowerThreshold = math.Min(0.3, 0.02*float64(n-10))
	}

	switch {
	case r > 0.7-lowerThreshold:
		return true, 0.9
	case r > 0.5-lowerThreshold:
		return true, 0.7
	case r > 0.3-lowerThreshold:
		return true, 0.5
	default:
		return false, 1 - r
	}
}

func splitNaive(line string, delim, quote rune) []string {
	parts := strings.Split(line, string(delim))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, string(quote))
		parts[i] = p
	}
	return parts
}

func looksLikeHeader(cell, below string) bool {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return false
	}
	if len(trimmed) > 50 {
		return false
	}
	if !hasLetter(trimmed) {
		return false
	}
	if reNumeric.MatchString(trimmed) && reNumeric.MatchString(strings.TrimSpace(below)) {
		return false
	}
	if headerVocabulary[strings.ToLower(trimmed)] {
		return true
	}
	if reSnakeCase.MatchString(trimmed) || reCamelCase.MatchString(trimmed) ||
		reUpperCase.MatchString(trimmed) || reSimpleWord.MatchString(trimmed) {
		return true
	}
	return false
}

func hasLetter(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return true
		}
	}
	return false
}

// isNumericString reports whether s, trimmed, parses as a float. It is
// unexported and separate from the reNumeric pattern the header heuristic
// uses.
func isNumericString(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}
