package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/noah-isme/lms-enrollment-api/internal/models"
)

// OnboardingDiff lists the questionnaire fields that changed between two
// records, with an audit note describing them.
type OnboardingDiff struct {
	Changed []string
	Note    string
}

// HasChanges reports whether any compared field differs.
func (d OnboardingDiff) HasChanges() bool {
	return len(d.Changed) > 0
}

// DiffOnboarding compares two questionnaires field by field, ignoring
// procedural fields such as signatures, timestamps, quiz markers and document ids.
func DiffOnboarding(fromKey string, from models.OnboardingSteps, toKey string, to models.OnboardingSteps) (OnboardingDiff, error) {
	before, err := flattenSteps(from)
	if err != nil {
		return OnboardingDiff{}, err
	}
	after, err := flattenSteps(to)
	if err != nil {
		return OnboardingDiff{}, err
	}

	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	var changed []string
	for k := range keys {
		b, inBefore := before[k]
		a, inAfter := after[k]
		if inBefore != inAfter || a != b {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)

	if len(changed) == 0 {
		return OnboardingDiff{Note: fmt.Sprintf("No changes from %s.", fromKey)}, nil
	}

	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        lines(before),
		B:        lines(after),
		FromFile: fromKey,
		ToFile:   toKey,
		Context:  0,
	})
	if err != nil {
		return OnboardingDiff{}, fmt.Errorf("render onboarding diff: %w", err)
	}
	note := fmt.Sprintf("Changed fields since %s: %s\n%s", fromKey, strings.Join(changed, ", "), unified)
	return OnboardingDiff{Changed: changed, Note: note}, nil
}

func lines(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + ": " + fields[k] + "\n"
	}
	return out
}

func flattenSteps(steps models.OnboardingSteps) (map[string]string, error) {
	raw, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encode onboarding steps: %w", err)
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode onboarding steps: %w", err)
	}
	out := make(map[string]string)
	for step, value := range tree {
		flattenValue(step, value, out)
	}
	return out, nil
}

func flattenValue(prefix string, value interface{}, out map[string]string) {
	switch v := value.(type) {
	case map[string]interface{}:
		for k, child := range v {
			if proceduralField(k) {
				continue
			}
			flattenValue(prefix+"."+k, child, out)
		}
	case []interface{}:
		if len(v) == 0 {
			out[prefix] = "[]"
			return
		}
		for i, child := range v {
			flattenValue(fmt.Sprintf("%s[%d]", prefix, i), child, out)
		}
	case nil:
		out[prefix] = "null"
	default:
		out[prefix] = fmt.Sprint(v)
	}
}

func proceduralField(name string) bool {
	switch {
	case strings.HasSuffix(name, "_signature"),
		name == "signed_on",
		strings.HasSuffix(name, "_at"),
		strings.HasPrefix(name, "quiz_completed"),
		strings.HasSuffix(name, "_document_id"),
		strings.HasSuffix(name, "_document_ids"),
		name == "agreement_document_path":
		return true
	}
	return false
}
