package dynafake

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// applyUpdate executes a SET/REMOVE update expression against a copy of
// the item and returns the result.
func applyUpdate(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	updated := cloneItem(item)

	rest := strings.TrimSpace(expr)
	for rest != "" {
		var clause string
		keyword := strings.ToUpper(firstWord(rest))
		switch keyword {
		case "SET", "REMOVE":
			clause, rest = splitClause(rest[len(keyword):])
		default:
			return nil, fmt.Errorf("unsupported update clause in %q", expr)
		}

		for _, action := range strings.Split(clause, ",") {
			action = strings.TrimSpace(action)
			if action == "" {
				continue
			}
			if keyword == "SET" {
				parts := strings.SplitN(action, "=", 2)
				if len(parts) != 2 {
					return nil, fmt.Errorf("malformed SET action %q", action)
				}
				segments, err := pathSegments(strings.TrimSpace(parts[0]), names)
				if err != nil {
					return nil, err
				}
				placeholder := strings.TrimSpace(parts[1])
				value, ok := values[placeholder]
				if !ok {
					return nil, fmt.Errorf("unresolved value %s", placeholder)
				}
				if err := setPath(updated, segments, value); err != nil {
					return nil, err
				}
			} else {
				segments, err := pathSegments(action, names)
				if err != nil {
					return nil, err
				}
				removePath(updated, segments)
			}
		}
	}
	return updated, nil
}

// splitClause cuts the actions belonging to the current clause, stopping
// before the next SET or REMOVE keyword.
func splitClause(s string) (clause, rest string) {
	words := strings.Fields(s)
	for i, w := range words {
		upper := strings.ToUpper(w)
		if upper == "SET" || upper == "REMOVE" {
			return strings.Join(words[:i], " "), strings.Join(words[i:], " ")
		}
	}
	return s, ""
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func pathSegments(path string, names map[string]string) ([]string, error) {
	var segments []string
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "#") {
			resolved, ok := names[part]
			if !ok {
				return nil, fmt.Errorf("unresolved attribute name %s", part)
			}
			part = resolved
		}
		segments = append(segments, part)
	}
	return segments, nil
}

func setPath(item map[string]types.AttributeValue, segments []string, value types.AttributeValue) error {
	if len(segments) == 1 {
		item[segments[0]] = value
		return nil
	}
	parent, ok := item[segments[0]].(*types.AttributeValueMemberM)
	if !ok {
		// DynamoDB rejects writes into a missing or non-map parent
		return fmt.Errorf("document path %s does not exist", segments[0])
	}
	return setPath(parent.Value, segments[1:], value)
}

func removePath(item map[string]types.AttributeValue, segments []string) {
	if len(segments) == 1 {
		delete(item, segments[0])
		return
	}
	if parent, ok := item[segments[0]].(*types.AttributeValueMemberM); ok {
		removePath(parent.Value, segments[1:])
	}
}

func cloneItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = cloneAttr(v)
	}
	return out
}

func cloneAttr(attr types.AttributeValue) types.AttributeValue {
	switch av := attr.(type) {
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: cloneItem(av.Value)}
	case *types.AttributeValueMemberL:
		list := make([]types.AttributeValue, len(av.Value))
		for i, item := range av.Value {
			list[i] = cloneAttr(item)
		}
		return &types.AttributeValueMemberL{Value: list}
	default:
		return attr
	}
}
