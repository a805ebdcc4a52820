// Package encoding implements the Encoding Detector (spec component A): a
// pure function over a byte sample that classifies it into the closed set
// {utf8, utf16-le, utf16-be}, reporting a BOM offset and a confidence.
// It never buffers more than the caller's sample and never panics.
package encoding

import "github.com/datakit/tabflow"

// bom table: byte sequence -> (tag, length).
var boms = []struct {
	bytes []byte
	tag   tabflow.EncodingTag
}{
	{[]byte{0xEF, 0xBB, 0xBF}, tabflow.EncodingUTF8},
	{[]byte{0xFF, 0xFE}, tabflow.EncodingUTF16LE},
	{[]byte{0xFE, 0xFF}, tabflow.EncodingUTF16BE},
}

// Detect classifies buf per spec §4.A. A zero-length buffer returns utf8
// at confidence 0.
func Detect(buf []byte) tabflow.DetectedEncoding {
	if len(buf) == 0 {
		return tabflow.DetectedEncoding{Tag: tabflow.EncodingUTF8, Confidence: 0}
	}

	if enc, ok := detectBOM(buf); ok {
		return enc
	}

	stats := scanStats(buf)

	if valid := isValidUTF8(buf); valid {
		if conf, ok := utf8Confidence(stats); ok && conf >= 0.8 {
			return tabflow.DetectedEncoding{Tag: tabflow.EncodingUTF8, Confidence: conf}
		}
	}

	if enc, ok := probeUTF16(stats); ok {
		return enc
	}

	return tabflow.DetectedEncoding{Tag: tabflow.EncodingUTF8, Confidence: 0.5}
}

// Remap maps a tag to the one a decoder that cannot distinguish UTF-16
// byte order should use: UTF-16-BE is folded into UTF-16-LE and every
// other tag is returned unchanged. Callers that need the original tag keep
// the value Detect returned. The delimited driver does not call Remap; it
// decodes utf16-be big-endian.
func Remap(tag tabflow.EncodingTag) tabflow.EncodingTag {
	if tag == tabflow.EncodingUTF16BE {
		return tabflow.EncodingUTF16LE
	}
	return tag
}

func detectBOM(buf []byte) (tabflow.DetectedEncoding, bool) {
	for _, b := range boms {
		if len(buf) >= len(b.bytes) && hasPrefix(buf, b.bytes) {
			return tabflow.DetectedEncoding{
				Tag:        b.tag,
				Confidence: 1.0,
				HasBOM:     true,
				BOMLength:  len(b.bytes),
			}, true
		}
	}
	return tabflow.DetectedEncoding{}, false
}

func hasPrefix(buf, prefix []byte) bool {
	if len(buf) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if buf[i] != b {
			return false
		}
	}
	return true
}

// bufStats holds the byte-class counts spec §4.A step 2 requires.
type bufStats struct {
	total          int
	nulls          int
	nullsEven      int
	nullsOdd       int
	printableASCII int
	c0Control      int
	highBytes      int
}

func scanStats(buf []byte) bufStats {
	var s bufStats
	s.total = len(buf)
	for i, b := range buf {
		switch {
		case b == 0x00:
			s.nulls++
			if i%2 == 0 {
				s.nullsEven++
			} else {
				s.nullsOdd++
			}
		case b >= 0x20 && b <= 0x7E:
			s.printableASCII++
		case b < 0x20 && b != '\t' && b != '\n' && b != '\r':
			s.c0Control++
		case b >= 0x80:
			s.highBytes++
		}
	}
	return s
}

// isValidUTF8 walks buf verifying leading-byte/continuation-byte patterns
// for 1-4 byte sequences, without relying on the standard library's
// utf8.Valid so the exact failure semantics spec §4.A step 3 names stay
// explicit.
func isValidUTF8(buf []byte) bool {
	i := 0
	for i < len(buf) {
		b := buf[i]
		switch {
		case b < 0x80:
			i++
		case b&0xE0 == 0xC0:
			if !hasContinuation(buf, i, 1) {
				return false
			}
			i += 2
		case b&0xF0 == 0xE0:
			if !hasContinuation(buf, i, 2) {
				return false
			}
			i += 3
		case b&0xF8 == 0xF0:
			if !hasContinuation(buf, i, 3) {
				return false
			}
			i += 4
		default:
			return false
		}
	}
	return true
}

func hasContinuation(buf []byte, start, n int) bool {
	if start+n >= len(buf) {
		return false
	}
	for k := 1; k <= n; k++ {
		if buf[start+k]&0xC0 != 0x80 {
			return false
		}
	}
	return true
}

// utf8Confidence implements spec §4.A step 4 for a buffer that validated
// as UTF-8. ok is false only for an empty buffer. Detect returns utf8 only
// when the confidence is at least 0.8; below that it goes on to the UTF-16
// probe.
func utf8Confidence(s bufStats) (float64, bool) {
	if s.total == 0 {
		return 0, false
	}
	if s.nulls > 0 {
		return 0, true
	}
	controlRatio := float64(s.c0Control) / float64(s.total)
	if controlRatio > 0.10 {
		return 0.3, true
	}

	asciiRatio := float64(s.printableASCII) / float64(s.total)
	highRatio := float64(s.highBytes) / float64(s.total)

	switch {
	case asciiRatio > 0.95 && highRatio < 0.01:
		return 0.95, true
	case highRatio < 0.3:
		return 0.90, true
	default:
		conf := 0.85
		if conf < 0.7 {
			conf = 0.7
		}
		return conf, true
	}
}

// probeUTF16 implements spec §4.A step 5.
func probeUTF16(s bufStats) (tabflow.DetectedEncoding, bool) {
	if s.total == 0 {
		return tabflow.DetectedEncoding{}, false
	}
	nullRatio := float64(s.nulls) / float64(s.total)
	if nullRatio < 0.20 {
		return tabflow.DetectedEncoding{}, false
	}

	confidence := nullRatio * 2
	if confidence > 0.9 {
		confidence = 0.9
	}

	if s.nulls == 0 {
		return tabflow.DetectedEncoding{}, false
	}
	evenRatio := float64(s.nullsEven) / float64(s.nulls)
	oddRatio := float64(s.nullsOdd) / float64(s.nulls)

	switch {
	case evenRatio >= 0.8:
		return tabflow.DetectedEncoding{Tag: tabflow.EncodingUTF16LE, Confidence: confidence}, true
	case oddRatio >= 0.8:
		// The odd-position pattern is reported as utf16-le, the tag the
		// driver decodes with. The result has no separate field recording
		// that this branch matched.
		return tabflow.DetectedEncoding{Tag: tabflow.EncodingUTF16LE, Confidence: confidence}, true
	default:
		return tabflow.DetectedEncoding{}, false
	}
}
