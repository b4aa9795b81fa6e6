package resolve

import (
	"regexp"
	"strconv"
	"strings"
)

// category is the entity class a sub-resolver handles.
type category int

const (
	categoryNone category = iota
	categoryDevice
	categoryLocation
	categoryTemporal
	categoryQuantity
)

func (c category) String() string {
	switch c {
	case categoryDevice:
		return "device"
	case categoryLocation:
		return "location"
	case categoryTemporal:
		return "temporal"
	case categoryQuantity:
		return "quantity"
	default:
		return "none"
	}
}

// Keyword tables are matched against lowercased text. Entries of one or two
// runes must match a whole token; longer entries match as substrings, which
// lets a stem like "ламп" cover лампа, лампы and лампочка.
var (
	deviceKeywords = []string{
		"свет", "ламп", "люстр", "ночник", "колонк", "динамик", "датчик",
		"камер", "телевизор", "розетк", "выключатель", "термостат",
		"пылесос", "чайник", "замок", "штор", "вентилятор", "обогреватель",
		"кондиционер", "увлажнитель", "устройств",
		"device", "light", "lamp", "speaker", "tv", "television", "sensor",
		"camera", "socket", "plug", "switch", "thermostat", "vacuum",
		"kettle", "lock", "blind", "curtain", "fan", "heater", "humidifier",
	}

	locationKeywords = []string{
		"комнат", "кухн", "спальн", "гостин", "ванн", "коридор", "прихож",
		"кабинет", "балкон", "гараж", "здесь", "тут", "место", "локац",
		"room", "kitchen", "bedroom", "living", "bathroom", "hallway",
		"office", "balcony", "garage", "here", "location", "place", "где",
	}

	temporalKeywords = []string{
		"врем", "минут", "секунд", "час", "день", "недел", "месяц",
		"сейчас", "сегодня", "завтра", "вчера", "утр", "вечер", "ноч",
		"полдень", "полноч", "таймер",
		"time", "minute", "second", "hour", "day", "week", "month", "now",
		"today", "tomorrow", "yesterday", "morning", "evening", "night",
		"noon", "midnight", "timer", "delay", "duration", "when", "когда",
	}

	quantityKeywords = []string{
		"числ", "штук", "процент", "градус", "количеств", "уровень",
		"громкость", "яркость",
		"number", "count", "item", "percent", "degree", "quantity",
		"amount", "level", "volume", "brightness", "times",
	}
)

// The patterns search inside values rather than anchoring, because spoken
// values arrive inflected and embedded ("через 5 минут", "в 15:30").
// Alternations list longer forms first; Go regexps take the first branch
// that matches.
var (
	clockPattern    = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)
	durationPattern = regexp.MustCompile(`(\d+)\s*(секунд|сек|минут|мин|час|second|sec|minute|min|hour|hr|[hms]\b)`)
	pureNumber      = regexp.MustCompile(`^\d+(?:[.,]\d+)?$`)
)

// classify decides which sub-resolver handles an entity, from its name
// first and its value second. The name is the stronger signal: skill
// authors pick slot names deliberately, while values carry whatever the
// recognizer heard.
func classify(name string, value any) category {
	if c := classifyText(strings.ToLower(name)); c != categoryNone {
		return c
	}

	text := strings.ToLower(strings.TrimSpace(stringValue(value)))
	if text == "" {
		return categoryNone
	}
	if c := classifyText(text); c != categoryNone {
		return c
	}

	// Keyword-free values still classify through their shape.
	if clockPattern.MatchString(text) || durationPattern.MatchString(text) {
		return categoryTemporal
	}
	if pureNumber.MatchString(text) {
		return categoryQuantity
	}
	if _, ok := wordNumbers[text]; ok {
		return categoryQuantity
	}
	return categoryNone
}

func classifyText(text string) category {
	switch {
	case matchesAny(text, deviceKeywords):
		return categoryDevice
	case matchesAny(text, locationKeywords):
		return categoryLocation
	case matchesAny(text, temporalKeywords):
		return categoryTemporal
	case matchesAny(text, quantityKeywords):
		return categoryQuantity
	default:
		return categoryNone
	}
}

func matchesAny(text string, keywords []string) bool {
	fields := strings.Fields(text)
	for _, kw := range keywords {
		if keywordHits(text, fields, kw) {
			return true
		}
	}
	return false
}

// keywordHits matches kw against text: whole-token equality for one and
// two rune keywords ("tv"), substring containment for longer ones so a
// stem covers its inflections.
func keywordHits(text string, fields []string, kw string) bool {
	if len([]rune(kw)) <= 2 {
		for _, f := range fields {
			if f == kw {
				return true
			}
		}
		return false
	}
	return strings.Contains(text, kw)
}

// stringValue renders an entity value for text matching. Unrenderable
// values (maps, slices) yield "" and stay unclassified.
func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
