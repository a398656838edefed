package engine

import (
	"fmt"
	"regexp"
	"strings"

	"healthtree/internal/domain"
)

// fieldMatcher matches one condition field (exact or wildcard, case-insensitive).
type fieldMatcher struct {
	exact    string
	wildcard *regexp.Regexp
}

// Condition is rule condition prepared for hot-path matching.
// Params: per-field matchers; nil field matches any value.
// Returns: reusable predicate.
type Condition struct {
	alertName   *fieldMatcher
	componentID *fieldMatcher
	checkID     *fieldMatcher
	description *fieldMatcher
	custom      [domain.MaxCustomFields]*fieldMatcher
	state       domain.State
}

// CompileCondition validates and compiles one rule condition.
// Params: raw condition from rule storage.
// Returns: compiled condition or ConfigurationError.
func CompileCondition(condition domain.RuleCondition) (Condition, error) {
	var (
		out Condition
		err error
	)
	if out.alertName, err = compileField("alert_name", condition.AlertName); err != nil {
		return Condition{}, err
	}
	if out.componentID, err = compileField("component_id", condition.ComponentID); err != nil {
		return Condition{}, err
	}
	if out.checkID, err = compileField("check_id", condition.CheckID); err != nil {
		return Condition{}, err
	}
	if out.description, err = compileField("description", condition.Description); err != nil {
		return Condition{}, err
	}
	for i, pattern := range condition.CustomFields() {
		if out.custom[i], err = compileField(fmt.Sprintf("custom_field_%d", i+1), pattern); err != nil {
			return Condition{}, err
		}
	}
	if condition.State != "" {
		if !condition.State.Valid() {
			return Condition{}, domain.NewError(domain.KindConfiguration, "compile condition", fmt.Errorf("state has unsupported value %q", condition.State))
		}
		out.state = condition.State
	}
	return out, nil
}

// compileField builds matcher for one field pattern.
// Params: field name for errors and raw pattern.
// Returns: nil matcher for empty pattern, exact/wildcard matcher otherwise.
func compileField(field, pattern string) (*fieldMatcher, error) {
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return nil, nil
	}
	if !strings.ContainsAny(trimmed, "*?") {
		return &fieldMatcher{exact: trimmed}, nil
	}
	compiled, err := CompileWildcardPattern(trimmed)
	if err != nil {
		return nil, domain.NewError(domain.KindConfiguration, "compile condition", fmt.Errorf("%s pattern %q: %w", field, pattern, err))
	}
	return &fieldMatcher{wildcard: compiled}, nil
}

// match reports whether value satisfies field matcher.
func (m *fieldMatcher) match(value string) bool {
	if m == nil {
		return true
	}
	if m.wildcard != nil {
		return m.wildcard.MatchString(strings.ToLower(value))
	}
	return strings.EqualFold(m.exact, strings.TrimSpace(value))
}

// Match checks condition against one transition.
// Params: candidate transition; alert name is read from the original cause.
// Returns: true when every non-empty field matches.
func (c Condition) Match(transition domain.StateTransition) bool {
	if c.state != "" && c.state != transition.State {
		return false
	}
	alertName := transition.AlertName
	if alertName == "" {
		alertName = transition.TriggeredByAlertName
	}
	checkID := transition.CheckID
	if checkID == "" {
		checkID = transition.TriggeredByCheckID
	}
	if !c.alertName.match(alertName) ||
		!c.componentID.match(transition.ComponentID) ||
		!c.checkID.match(checkID) ||
		!c.description.match(transition.Description) {
		return false
	}
	values := transition.CustomFields()
	for i, matcher := range c.custom {
		if !matcher.match(values[i]) {
			return false
		}
	}
	return true
}

// CompileWildcardPattern converts wildcard syntax (*, ?) into regex and compiles it.
// Params: wildcard expression from rule condition.
// Returns: compiled regex matched against lower-cased values.
func CompileWildcardPattern(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(strings.ToLower(pattern))
	quoted = strings.ReplaceAll(quoted, `\*`, ".*")
	quoted = strings.ReplaceAll(quoted, `\?`, ".")
	return regexp.Compile("^" + quoted + "$")
}

// containsState reports membership of state in list.
func containsState(values []domain.State, expected domain.State) bool {
	for _, v := range values {
		if v == expected {
			return true
		}
	}
	return false
}

// containsStringInsensitive checks case-insensitive membership.
// Params: haystack string list and expected value.
// Returns: true when case-insensitive match exists.
func containsStringInsensitive(values []string, expected string) bool {
	for _, v := range values {
		if strings.EqualFold(v, expected) {
			return true
		}
	}
	return false
}
