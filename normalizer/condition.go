package normalizer

import (
	"strings"

	"github.com/aluiziolira/go-deal-ingest/models"
)

// eBay condition ids as returned by the Browse API.
var ebayConditionIDs = map[string]models.Condition{
	"1000": models.ConditionNew,
	"1500": models.ConditionNew,
	"1750": models.ConditionNew,
	"2000": models.ConditionRefurbished,
	"2010": models.ConditionRefurbished,
	"2020": models.ConditionRefurbished,
	"2030": models.ConditionRefurbished,
	"2500": models.ConditionRefurbished,
	"2750": models.ConditionUsedLikeNew,
	"3000": models.ConditionUsedGood,
	"4000": models.ConditionUsedGood,
	"5000": models.ConditionUsedGood,
	"6000": models.ConditionUsedFair,
	"7000": models.ConditionForParts,
}

var schemaOrgConditions = map[string]models.Condition{
	"newcondition":         models.ConditionNew,
	"refurbishedcondition": models.ConditionRefurbished,
	"usedcondition":        models.ConditionUsedGood,
	"damagedcondition":     models.ConditionForParts,
}

// Checked in order; "like new" must win over "new", "refurbished" over "excellent".
var conditionKeywords = []struct {
	keywords  []string
	condition models.Condition
}{
	{[]string{"for parts", "parts only", "not working", "damaged", "broken"}, models.ConditionForParts},
	{[]string{"refurb", "renewed", "remanufactured"}, models.ConditionRefurbished},
	{[]string{"like new", "open box", "mint"}, models.ConditionUsedLikeNew},
	{[]string{"acceptable", "fair"}, models.ConditionUsedFair},
	{[]string{"very good", "good", "excellent"}, models.ConditionUsedGood},
	{[]string{"used", "pre-owned", "preowned", "second hand"}, models.ConditionUsedGood},
	{[]string{"new"}, models.ConditionNew},
}

// MapCondition maps free text, schema.org condition URLs and eBay condition
// ids onto the enum. The bool is false when nothing matched.
func MapCondition(raw string) (models.Condition, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return models.ConditionUnknown, false
	}
	if c, ok := ebayConditionIDs[value]; ok {
		return c, true
	}
	if i := strings.LastIndex(value, "schema.org/"); i >= 0 {
		value = value[i+len("schema.org/"):]
	}
	if c, ok := schemaOrgConditions[value]; ok {
		return c, true
	}
	for _, rule := range conditionKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(value, kw) {
				return rule.condition, true
			}
		}
	}
	return models.ConditionUnknown, false
}
