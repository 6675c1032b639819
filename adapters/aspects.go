package adapters

import (
	"strings"
	"unicode"

	"github.com/aluiziolira/go-deal-ingest/models"
	"github.com/aluiziolira/go-deal-ingest/normalizer"
)

// applyAspect maps one "name: value" product attribute onto specs by keyword.
// The first value seen for a field wins.
func applyAspect(specs *models.Specs, name, value string) {
	value = strings.Join(strings.Fields(value), " ")
	if value == "" {
		return
	}
	words := nameWords(name)
	has := func(w string) bool {
		_, ok := words[w]
		return ok
	}
	if has("max") || has("maximum") || has("speed") || has("cores") || has("type") {
		return
	}

	switch {
	case has("processor") || has("cpu"):
		setString(&specs.CPUModel, value)
	case has("gpu") || has("graphics"):
		if !has("memory") {
			setString(&specs.GPU, value)
		}
	case has("ram") || has("memory"):
		setCapacity(&specs.RAMGB, value)
	case has("ssd") || has("storage") || has("hdd") || has("hard") && has("drive"):
		setCapacity(&specs.StorageGB, value)
	case has("form") && has("factor"):
		if ff, ok := normalizer.CanonicalFormFactor(value); ok {
			setString(&specs.FormFactor, ff)
		}
	case has("brand"):
		setString(&specs.Brand, value)
	case has("model"):
		setString(&specs.Model, value)
	}
}

func nameWords(name string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func setString(dst **string, value string) {
	if *dst != nil {
		return
	}
	v := value
	*dst = &v
}

func setCapacity(dst **int, value string) {
	if *dst != nil {
		return
	}
	if gb, ok := normalizer.ParseCapacityGB(value); ok {
		*dst = &gb
	}
}

// fillSpecsFromText fills RAM and storage from free text when still unset.
func fillSpecsFromText(specs *models.Specs, texts ...string) {
	for _, text := range texts {
		if specs.RAMGB == nil {
			if gb, ok := normalizer.ExtractRAM(text); ok {
				specs.RAMGB = &gb
			}
		}
		if specs.StorageGB == nil {
			if gb, ok := normalizer.ExtractStorage(text); ok {
				specs.StorageGB = &gb
			}
		}
	}
}
