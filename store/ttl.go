package store

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// IsTombstoned checks whether an item carries a tombstone. A NULL-typed
// expiresAt counts as live; some writers clear the attribute that way.
func IsTombstoned(item map[string]types.AttributeValue) bool {
	attr, ok := item["expiresAt"]
	if !ok {
		return false
	}
	if _, isNull := attr.(*types.AttributeValueMemberNULL); isNull {
		return false
	}
	return true
}

// TombstoneExpired checks whether a tombstoned item is past its sweep
// time.
func TombstoneExpired(item map[string]types.AttributeValue, now time.Time) bool {
	attr, ok := item["expiresAt"].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	expiresAt, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return false
	}
	return expiresAt <= now.Unix()
}

// TombstoneFilterExpr returns the filter expression that excludes
// tombstoned items. Use with TombstoneFilterNames and
// TombstoneFilterValues when building custom queries.
func TombstoneFilterExpr() string {
	return tombstoneFilter
}

// TombstoneFilterNames returns the expression attribute names for the
// tombstone filter.
func TombstoneFilterNames() map[string]string {
	return map[string]string{"#expiresAt": "expiresAt"}
}

// TombstoneFilterValues returns the expression attribute values for the
// tombstone filter.
func TombstoneFilterValues() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":nullType": &types.AttributeValueMemberS{Value: "NULL"},
	}
}
