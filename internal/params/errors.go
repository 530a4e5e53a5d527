package params

import (
	"sort"
	"strings"

	"github.com/forge-labs/forge-go/internal/domain"
)

// Issue is one offending key.
type Issue struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// ValidationError aggregates every offending key of one Build call.
type ValidationError struct {
	SchemaVersion int
	Issues        []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid parameters"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Key+": "+issue.Reason)
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == domain.ErrInvalidParameters }

func (e *ValidationError) Add(key, reason string) {
	if strings.TrimSpace(reason) == "" {
		return
	}
	e.Issues = append(e.Issues, Issue{Key: key, Reason: reason})
}

// Keys returns the offending keys in sorted order.
func (e *ValidationError) Keys() []string {
	seen := map[string]struct{}{}
	keys := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if _, ok := seen[issue.Key]; ok {
			continue
		}
		seen[issue.Key] = struct{}{}
		keys = append(keys, issue.Key)
	}
	sort.Strings(keys)
	return keys
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	sort.SliceStable(e.Issues, func(i, j int) bool { return e.Issues[i].Key < e.Issues[j].Key })
	return e
}
