package tenant

import (
	"reflect"

	"github.com/Masterminds/squirrel"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/naming"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
	OpLike  Op = "like"
	OpILike Op = "ilike"
	OpIn    Op = "in"
	OpIs    Op = "is"
)

// Filter is one predicate of a where clause. Filters are ANDed together.
type Filter struct {
	Column string      `json:"column"`
	Op     Op          `json:"op"`
	Value  interface{} `json:"value"`
}

// Eq is shorthand for an equality filter.
func Eq(column string, value interface{}) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// Options shape a read.
type Options struct {
	Columns   []string
	OrderBy   string
	Ascending bool
	Limit     int
	Offset    int
}

func quoteColumn(col string) (string, error) {
	if err := naming.ValidateIdentifier(col); err != nil {
		return "", apperr.New(apperr.CodeValidationFailed, "invalid column: %v", err)
	}
	return naming.Quote(col), nil
}

func (f Filter) toSql() (squirrel.Sqlizer, error) {
	col, err := quoteColumn(f.Column)
	if err != nil {
		return nil, err
	}
	switch f.Op {
	case OpEq:
		return squirrel.Eq{col: f.Value}, nil
	case OpNeq:
		return squirrel.NotEq{col: f.Value}, nil
	case OpGt:
		return squirrel.Gt{col: f.Value}, nil
	case OpGte:
		return squirrel.GtOrEq{col: f.Value}, nil
	case OpLt:
		return squirrel.Lt{col: f.Value}, nil
	case OpLte:
		return squirrel.LtOrEq{col: f.Value}, nil
	case OpLike:
		return squirrel.Like{col: f.Value}, nil
	case OpILike:
		return squirrel.ILike{col: f.Value}, nil
	case OpIn:
		if f.Value == nil {
			return nil, apperr.New(apperr.CodeValidationFailed, "in filter on %s needs a list", f.Column)
		}
		if k := reflect.TypeOf(f.Value).Kind(); k != reflect.Slice && k != reflect.Array {
			return nil, apperr.New(apperr.CodeValidationFailed, "in filter on %s needs a list", f.Column)
		}
		return squirrel.Eq{col: f.Value}, nil
	case OpIs:
		switch f.Value {
		case nil:
			return squirrel.Expr(col + " IS NULL"), nil
		case true:
			return squirrel.Expr(col + " IS TRUE"), nil
		case false:
			return squirrel.Expr(col + " IS FALSE"), nil
		default:
			return nil, apperr.New(apperr.CodeValidationFailed, "is filter on %s accepts null, true or false", f.Column)
		}
	default:
		return nil, apperr.New(apperr.CodeValidationFailed, "unknown filter operator %q", f.Op)
	}
}

func buildWhere(filters []Filter) (squirrel.And, error) {
	conds := make(squirrel.And, 0, len(filters))
	for _, f := range filters {
		s, err := f.toSql()
		if err != nil {
			return nil, err
		}
		conds = append(conds, s)
	}
	return conds, nil
}
