package mongodb

import (
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rezkam/jobstore/internal/domain"
)

// groupFilter compiles a group matcher into a filter on the _id.group field.
// Matchers other than exact equality become anchored regular expressions
// with the value quoted, so user input never injects regex syntax.
func groupFilter(m domain.GroupMatcher) bson.M {
	switch m.Op {
	case domain.MatchEquals:
		return bson.M{"_id.group": m.Value}
	case domain.MatchStartsWith:
		return bson.M{"_id.group": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(m.Value)}}
	case domain.MatchEndsWith:
		return bson.M{"_id.group": primitive.Regex{Pattern: regexp.QuoteMeta(m.Value) + "$"}}
	case domain.MatchContains:
		return bson.M{"_id.group": primitive.Regex{Pattern: regexp.QuoteMeta(m.Value)}}
	default:
		return bson.M{}
	}
}
