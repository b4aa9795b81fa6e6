package resolve

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/irbis-voice/irbis/pkg/intent"
)

// relativeOffsets maps relative day words to their offset in days from
// today. Moment words (сейчас, now) sit at offset zero alongside today.
var relativeOffsets = map[string]int{
	"сейчас":      0,
	"сегодня":     0,
	"завтра":      1,
	"послезавтра": 2,
	"вчера":       -1,
	"позавчера":   -2,
	"now":         0,
	"today":       0,
	"tomorrow":    1,
	"yesterday":   -1,
}

// wordNumbers spells out the small numbers users actually say; larger
// amounts arrive as digits from the recognizer.
var wordNumbers = map[string]int{
	"ноль":   0,
	"один":   1,
	"одну":   1,
	"одна":   1,
	"два":    2,
	"две":    2,
	"три":    3,
	"четыре": 4,
	"пять":   5,
	"шесть":  6,
	"семь":   7,
	"восемь": 8,
	"девять": 9,
	"десять": 10,
	"zero":   0,
	"one":    1,
	"two":    2,
	"three":  3,
	"four":   4,
	"five":   5,
	"six":    6,
	"seven":  7,
	"eight":  8,
	"nine":   9,
	"ten":    10,
	"a":      1,
	"an":     1,
}

// quantityUnit captures digits followed by a unit word in any script.
var quantityUnit = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*([\p{L}%]+)`)

// resolveTemporal parses clock times, durations and relative day words.
func resolveTemporal(raw string) (intent.Resolution, bool) {
	text := strings.ToLower(strings.TrimSpace(raw))

	if m := clockPattern.FindStringSubmatch(text); m != nil {
		hours, _ := strconv.Atoi(m[1])
		minutes, _ := strconv.Atoi(m[2])
		return intent.Resolution{
			Value:      map[string]any{"hours": hours, "minutes": minutes},
			Original:   raw,
			Confidence: 0.95,
			Type:       intent.ResolutionClock,
		}, true
	}

	if m := durationPattern.FindStringSubmatch(text); m != nil {
		value, _ := strconv.Atoi(m[1])
		return intent.Resolution{
			Value:      map[string]any{"value": value, "unit": durationUnit(m[2])},
			Original:   raw,
			Confidence: 0.9,
			Type:       intent.ResolutionDuration,
		}, true
	}

	for _, word := range strings.Fields(text) {
		if offset, ok := relativeOffsets[word]; ok {
			return intent.Resolution{
				Value:      map[string]any{"relative": word, "offset_days": offset},
				Original:   raw,
				Confidence: 0.8,
				Type:       intent.ResolutionRelative,
			}, true
		}
	}
	return intent.Resolution{}, false
}

// durationUnit folds an inflected or abbreviated unit onto its canonical
// English name.
func durationUnit(u string) string {
	switch {
	case strings.HasPrefix(u, "сек"), strings.HasPrefix(u, "sec"), u == "s":
		return "seconds"
	case strings.HasPrefix(u, "мин"), strings.HasPrefix(u, "min"), u == "m":
		return "minutes"
	case strings.HasPrefix(u, "час"), strings.HasPrefix(u, "hour"), u == "hr", u == "h":
		return "hours"
	default:
		return u
	}
}

// quantityUnitName folds measurement unit words onto canonical names. Only
// listed units resolve; an unknown word after a number is left alone.
func quantityUnitName(u string) (string, bool) {
	switch {
	case u == "%", strings.HasPrefix(u, "процент"), strings.HasPrefix(u, "percent"):
		return "percent", true
	case strings.HasPrefix(u, "градус"), strings.HasPrefix(u, "degree"):
		return "degrees", true
	case strings.HasPrefix(u, "штук"), strings.HasPrefix(u, "item"):
		return "items", true
	case strings.HasPrefix(u, "раз"), strings.HasPrefix(u, "time"):
		return "times", true
	case strings.HasPrefix(u, "уровн"), strings.HasPrefix(u, "level"):
		return "level", true
	default:
		return "", false
	}
}

// resolveQuantity parses digit amounts with optional units and small
// spelled-out numbers.
func resolveQuantity(raw string) (intent.Resolution, bool) {
	text := strings.ToLower(strings.TrimSpace(raw))

	if pureNumber.MatchString(text) {
		return intent.Resolution{
			Value:      map[string]any{"value": parseAmount(text), "unit": "count"},
			Original:   raw,
			Confidence: 0.85,
			Type:       intent.ResolutionNumeric,
		}, true
	}

	if m := quantityUnit.FindStringSubmatch(text); m != nil {
		if unit, ok := quantityUnitName(m[2]); ok {
			return intent.Resolution{
				Value:      map[string]any{"value": parseAmount(m[1]), "unit": unit},
				Original:   raw,
				Confidence: 0.85,
				Type:       intent.ResolutionNumeric,
			}, true
		}
	}

	for _, word := range strings.Fields(text) {
		if n, ok := wordNumbers[word]; ok {
			return intent.Resolution{
				Value:      map[string]any{"value": n, "unit": "count"},
				Original:   raw,
				Confidence: 0.8,
				Type:       intent.ResolutionWordNumber,
			}, true
		}
	}
	return intent.Resolution{}, false
}

// parseAmount reads a decimal with either comma or dot, returning an int
// when the value is whole.
func parseAmount(s string) any {
	s = strings.ReplaceAll(s, ",", ".")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	if f == float64(int(f)) {
		return int(f)
	}
	return f
}
