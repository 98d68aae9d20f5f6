// Package ruleengine holds the pure rule-matching and template-rendering
// functions used by fan-out. It is deliberately tiny: exact equality with
// absent-field wildcards for matching, and {{ dotted.path }} substitution
// for rendering. No general expression language.
package ruleengine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/zoo-event-hub/internal/domain"
)

var tokenRe = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Match reports whether the rule applies to the event: the rule must be
// enabled and each non-nil match field must equal the event's field.
func Match(r domain.Rule, source, typ string) bool {
	if !r.Enabled {
		return false
	}
	if r.Match.Source != nil && *r.Match.Source != source {
		return false
	}
	if r.Match.Type != nil && *r.Match.Type != typ {
		return false
	}
	return true
}

// Context builds the fixed template context visible to action configs.
func Context(msg domain.EventIngested) map[string]any {
	return map[string]any{
		"eventId":    msg.EventID,
		"source":     msg.Source,
		"type":       msg.Type,
		"subject":    map[string]any{"kind": msg.Subject.Kind, "id": msg.Subject.ID},
		"payload":    msg.Payload,
		"occurredAt": msg.OccurredAt.UTC().Format(time.RFC3339),
	}
}

// Render deep-copies value, substituting {{ path }} tokens inside string
// values against ctx. Missing paths render as the empty string. Non-string
// scalars pass through unchanged; maps and slices render recursively.
func Render(value any, ctx map[string]any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = Render(e, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Render(e, ctx)
		}
		return out
	case string:
		return tokenRe.ReplaceAllStringFunc(v, func(tok string) string {
			path := strings.TrimSpace(tok[2 : len(tok)-2])
			res, ok := ResolvePath(ctx, path)
			if !ok {
				return ""
			}
			return stringify(res)
		})
	default:
		return value
	}
}

// RenderConfig renders an action config map against ctx.
func RenderConfig(config map[string]any, ctx map[string]any) map[string]any {
	out, _ := Render(config, ctx).(map[string]any)
	return out
}

// ResolvePath walks a dot-separated key sequence through nested maps.
// Traversing a non-map or a missing key yields ok=false.
func ResolvePath(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// JSON numbers decode to float64; render integers without a
		// trailing fraction.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
