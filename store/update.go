package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// defaultMaxFlattenLevel bounds how deep partial updates descend into
// nested objects. Below the bound an object is split into dotted paths and
// merged attribute by attribute; at the bound it is written whole. Writing
// to data.cover.name requires data.cover to already be an object, so some
// callers lower the bound to 1 to replace the object outright.
const defaultMaxFlattenLevel = 2

func flattenObject(obj map[string]any, parentKey string, result map[string]any, level, maxLevel int) {
	for key, value := range obj {
		propName := key
		if parentKey != "" {
			propName = parentKey + "." + key
		}
		if nested, ok := value.(map[string]any); ok && level < maxLevel {
			flattenObject(nested, propName, result, level+1, maxLevel)
			continue
		}
		result[propName] = value
	}
}

// updateExpression is a SET expression with its attribute names and values.
type updateExpression struct {
	Expression string
	Names      map[string]string
	Values     map[string]types.AttributeValue
}

// buildUpdate turns a partial update payload into a SET expression over
// dotted attribute paths, so untouched sibling attributes survive the write.
func buildUpdate(data map[string]any, maxLevel int) (updateExpression, error) {
	if maxLevel <= 0 {
		maxLevel = defaultMaxFlattenLevel
	}

	flattened := make(map[string]any)
	flattenObject(data, "", flattened, 1, maxLevel)

	paths := make([]string, 0, len(flattened))
	for path := range flattened {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var clauses []string
	names := make(map[string]string)
	values := make(map[string]types.AttributeValue)

	for _, path := range paths {
		parts := strings.Split(path, ".")
		nameParts := make([]string, len(parts))
		for i, part := range parts {
			nameParts[i] = "#" + part
			names["#"+part] = part
		}

		placeholder := ":" + strings.ReplaceAll(path, ".", "_")
		av, err := attributevalue.Marshal(flattened[path])
		if err != nil {
			return updateExpression{}, fmt.Errorf("marshal %s: %w", path, err)
		}
		values[placeholder] = av

		clauses = append(clauses, strings.Join(nameParts, ".")+" = "+placeholder)
	}

	return updateExpression{
		Expression: "SET " + strings.Join(clauses, ", "),
		Names:      names,
		Values:     values,
	}, nil
}
