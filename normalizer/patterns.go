package normalizer

import (
	"regexp"
	"strconv"
	"strings"
)

type labeledPattern struct {
	re    *regexp.Regexp
	label string // canonical value; empty means "use the cleaned match"
}

// RAM patterns, most specific first: an explicit RAM/Memory keyword beats a
// bare DDR mention, which beats the "16GB/512GB" shorthand.
var ramPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(\d{1,4})\s*GB\s*(?:of\s+)?(?:(?:LP)?DDR\d[A-Z]?(?:[\s-]\d{4})?\s*)?(?:RAM|memory)\b`),
	regexp.MustCompile(`(?i)\b(?:RAM|memory)\s*(?:size)?\s*[:\-]?\s*(\d{1,4})\s*GB\b`),
	regexp.MustCompile(`(?i)\b(\d{1,4})\s*GB\s*(?:LP)?DDR\d[A-Z]?\b`),
	regexp.MustCompile(`(?i)\b(\d{1,4})\s*GB\s*/\s*\d+(?:\.\d+)?\s*(?:GB|TB)\b`),
}

// Storage patterns pair a capacity with an interface token.
var storagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(TB|GB)\s*(?:PCIe\s*)?(?:NVMe|SSD|HDD|M\.2|eMMC|SATA|hard\s+drive|storage)\b`),
	regexp.MustCompile(`(?i)\b(?:SSD|HDD|NVMe|storage|hard\s+drive)\s*(?:capacity)?\s*[:\-]?\s*(\d+(?:\.\d+)?)\s*(TB|GB)\b`),
	regexp.MustCompile(`(?i)\b\d{1,4}\s*GB\s*/\s*(\d+(?:\.\d+)?)\s*(GB|TB)\b`),
}

var capacityPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(TB|GB)?\b`)

var cpuPatterns = []labeledPattern{
	{re: regexp.MustCompile(`(?i)\bcore\s+ultra\s+[3579]\s+\d{3}[a-z]{0,2}\b`)},
	{re: regexp.MustCompile(`(?i)\b(?:intel\s+)?(?:core\s+)?i[3579][\s-]?\d{4,5}[a-z]{0,2}\b`)},
	{re: regexp.MustCompile(`(?i)\b(?:amd\s+)?ryzen\s+(?:[3579]|threadripper)\s+(?:pro\s+)?\d{4}[a-z]{0,2}\b`)},
	{re: regexp.MustCompile(`(?i)\b(?:intel\s+)?xeon\s+(?:[ew]-?\d{4}[a-z]?(?:\s*v\d)?|(?:bronze|silver|gold|platinum)\s+\d{4}[a-z]?)\b`)},
	{re: regexp.MustCompile(`(?i)\b(?:intel\s+)?(?:celeron|pentium(?:\s+gold|\s+silver)?)\s+[gjn]?\d{4}[a-z]?\b`)},
	{re: regexp.MustCompile(`(?i)\bintel\s+n\d{2,3}\b`)},
	{re: regexp.MustCompile(`(?i)\bapple\s+m[1-4](?:\s+(?:pro|max|ultra))?\b`)},
}

var gpuPatterns = []labeledPattern{
	{re: regexp.MustCompile(`(?i)\b(?:nvidia\s+)?rtx\s+a\d{4}\b`)},
	{re: regexp.MustCompile(`(?i)\b(?:nvidia\s+)?(?:geforce\s+)?rtx\s*\d{4}(?:\s*(?:ti|super))?\b`)},
	{re: regexp.MustCompile(`(?i)\b(?:nvidia\s+)?(?:geforce\s+)?gtx\s*\d{3,4}(?:\s*ti)?\b`)},
	{re: regexp.MustCompile(`(?i)\b(?:nvidia\s+)?quadro\s+[a-z]{0,2}\d{3,4}\b`)},
	{re: regexp.MustCompile(`(?i)\b(?:amd\s+)?radeon\s+(?:rx\s*)?\d{3,4}(?:\s*xt)?\b`)},
	{re: regexp.MustCompile(`(?i)\brx\s*\d{4}(?:\s*xt)?\b`)},
	{re: regexp.MustCompile(`(?i)\bintel\s+arc\s+a\d{3}m?\b`)},
}

var formFactorPatterns = []labeledPattern{
	{re: regexp.MustCompile(`(?i)\b(?:usff|ultra\s+small\s+form\s+factor|tiny|micro)\b`), label: "usff"},
	{re: regexp.MustCompile(`(?i)\b(?:sff|small\s+form\s+factor)\b`), label: "sff"},
	{re: regexp.MustCompile(`(?i)\b(?:mini\s*pc|nuc|mac\s+mini)\b`), label: "mini"},
	{re: regexp.MustCompile(`(?i)\b(?:all[\s-]in[\s-]one|aio|imac)\b`), label: "all_in_one"},
	{re: regexp.MustCompile(`(?i)\b(?:laptop|notebook|thinkpad|macbook|ultrabook|chromebook)\b`), label: "laptop"},
	{re: regexp.MustCompile(`(?i)\b(?:mini\s+tower|mid\s+tower|full\s+tower|tower|mt)\b`), label: "tower"},
}

var brandPatterns = []labeledPattern{
	{re: regexp.MustCompile(`(?i)\bdell\b|\boptiplex\b|\balienware\b`), label: "Dell"},
	{re: regexp.MustCompile(`(?i)\bhp\b|\bhewlett[\s-]packard\b|\belitedesk\b|\bprodesk\b`), label: "HP"},
	{re: regexp.MustCompile(`(?i)\blenovo\b|\bthinkcentre\b|\bthinkpad\b`), label: "Lenovo"},
	{re: regexp.MustCompile(`(?i)\bapple\b|\bmac\s*mini\b|\bmacbook\b|\bimac\b`), label: "Apple"},
	{re: regexp.MustCompile(`(?i)\basus\b`), label: "ASUS"},
	{re: regexp.MustCompile(`(?i)\bacer\b`), label: "Acer"},
	{re: regexp.MustCompile(`(?i)\bmsi\b`), label: "MSI"},
	{re: regexp.MustCompile(`(?i)\bbeelink\b`), label: "Beelink"},
	{re: regexp.MustCompile(`(?i)\bminisforum\b`), label: "Minisforum"},
	{re: regexp.MustCompile(`(?i)\bgigabyte\b`), label: "Gigabyte"},
	{re: regexp.MustCompile(`(?i)\bsupermicro\b`), label: "Supermicro"},
	{re: regexp.MustCompile(`(?i)\bintel\s+nuc\b`), label: "Intel"},
}

var modelPatterns = []labeledPattern{
	{re: regexp.MustCompile(`(?i)\boptiplex\s+\d{4}[a-z]?\b`)},
	{re: regexp.MustCompile(`(?i)\bthinkcentre\s+m\d{2,3}[a-z]?\b`)},
	{re: regexp.MustCompile(`(?i)\belitedesk\s+\d{3}\s*g\d+\b`)},
	{re: regexp.MustCompile(`(?i)\bprodesk\s+\d{3}\s*g\d+\b`)},
	{re: regexp.MustCompile(`(?i)\bthinkpad\s+[a-z]\d{2,3}[a-z]?\b`)},
	{re: regexp.MustCompile(`(?i)\blatitude\s+\d{4}\b`)},
	{re: regexp.MustCompile(`(?i)\bprecision\s+\d{4}\b`)},
	{re: regexp.MustCompile(`(?i)\bmac\s*mini\b`)},
	{re: regexp.MustCompile(`(?i)\bmacbook\s+(?:air|pro)\b`)},
	{re: regexp.MustCompile(`(?i)\bnuc\s*\d{1,2}[a-z0-9]*\b`)},
}

// ExtractRAM finds a RAM size in GB in free text.
func ExtractRAM(text string) (int, bool) {
	for _, re := range ramPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		gb, err := strconv.Atoi(m[1])
		if err != nil || gb <= 0 || gb > 2048 {
			continue
		}
		return gb, true
	}
	return 0, false
}

// ExtractStorage finds a storage capacity in GB in free text.
func ExtractStorage(text string) (int, bool) {
	for _, re := range storagePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if gb, ok := toGB(m[1], m[2]); ok {
			return gb, true
		}
	}
	return 0, false
}

// ParseCapacityGB reads values like "16 GB", "1TB" or "512". A missing unit
// means GB.
func ParseCapacityGB(value string) (int, bool) {
	m := capacityPattern.FindStringSubmatch(value)
	if m == nil {
		return 0, false
	}
	return toGB(m[1], m[2])
}

func toGB(amount, unit string) (int, bool) {
	f, err := strconv.ParseFloat(amount, 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	if strings.EqualFold(unit, "TB") {
		f *= 1000
	}
	return int(f + 0.5), true
}

func firstMatch(patterns []labeledPattern, text string) (string, bool) {
	for _, p := range patterns {
		match := p.re.FindString(text)
		if match == "" {
			continue
		}
		if p.label != "" {
			return p.label, true
		}
		return strings.Join(strings.Fields(match), " "), true
	}
	return "", false
}

// CanonicalFormFactor maps a free-text form factor ("Mini PC", "Small Form
// Factor") onto the labels used for title extraction.
func CanonicalFormFactor(text string) (string, bool) {
	return firstMatch(formFactorPatterns, text)
}
