package dynamo

import (
	"fmt"
	"strconv"
	"strings"

	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/snapvault/backend/internal/store"
)

// exprBuilder accumulates the name/value placeholder maps shared by a
// request's condition and update expressions.
type exprBuilder struct {
	names  map[string]string
	values map[string]dynamodbtypes.AttributeValue
	seq    int
}

func newExprBuilder() *exprBuilder {
	return &exprBuilder{
		names:  make(map[string]string),
		values: make(map[string]dynamodbtypes.AttributeValue),
	}
}

func (b *exprBuilder) name(attr string) string {
	for ph, existing := range b.names {
		if existing == attr {
			return ph
		}
	}

	ph := "#n" + strconv.Itoa(b.seq)
	b.seq++
	b.names[ph] = attr

	return ph
}

func (b *exprBuilder) value(v any) (string, error) {
	av, err := encodeValue(v)
	if err != nil {
		return "", err
	}

	ph := ":v" + strconv.Itoa(len(b.values))
	b.values[ph] = av

	return ph, nil
}

// condition renders the precondition clauses. An Expect with an empty Name
// addresses the whole item via its partition key attribute.
func (b *exprBuilder) condition(expect []store.Expect) (string, error) {
	clauses := make([]string, 0, len(expect))

	for _, e := range expect {
		attr := e.Name
		if attr == "" {
			attr = PartitionKey
		}

		ph := b.name(attr)

		switch {
		case e.Absent:
			clauses = append(clauses, "attribute_not_exists("+ph+")")
		case e.Value == nil:
			clauses = append(clauses, "attribute_exists("+ph+")")
		default:
			vph, err := b.value(e.Value)
			if err != nil {
				return "", fmt.Errorf("failed to encode expected value for %s: %w", attr, err)
			}
			clauses = append(clauses, ph+" = "+vph)
		}
	}

	return strings.Join(clauses, " AND "), nil
}

// update renders the update expression for the attribute mutations.
func (b *exprBuilder) update(updates []store.Update) (string, error) {
	var sets, adds, removes []string

	for _, u := range updates {
		ph := b.name(u.Name)

		switch u.Action {
		case store.ActionPut:
			vph, err := b.value(u.Value)
			if err != nil {
				return "", fmt.Errorf("failed to encode value for %s: %w", u.Name, err)
			}
			sets = append(sets, ph+" = "+vph)
		case store.ActionAdd:
			delta, ok := u.Value.(int64)
			if !ok {
				return "", fmt.Errorf("add to attribute %s: value must be int64, got %T", u.Name, u.Value)
			}
			vph, err := b.value(delta)
			if err != nil {
				return "", fmt.Errorf("failed to encode delta for %s: %w", u.Name, err)
			}
			adds = append(adds, ph+" "+vph)
		case store.ActionDelete:
			removes = append(removes, ph)
		default:
			return "", fmt.Errorf("unknown update action %d on attribute %s", u.Action, u.Name)
		}
	}

	var parts []string
	if len(sets) > 0 {
		parts = append(parts, "SET "+strings.Join(sets, ", "))
	}
	if len(adds) > 0 {
		parts = append(parts, "ADD "+strings.Join(adds, ", "))
	}
	if len(removes) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(removes, ", "))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("update requires at least one attribute mutation")
	}

	return strings.Join(parts, " "), nil
}

// projection renders a ProjectionExpression for the given attributes.
func (b *exprBuilder) projection(attrs []string) string {
	phs := make([]string, 0, len(attrs))
	for _, a := range attrs {
		phs = append(phs, b.name(a))
	}
	return strings.Join(phs, ", ")
}

func (b *exprBuilder) exprNames() map[string]string {
	if len(b.names) == 0 {
		return nil
	}
	return b.names
}

func (b *exprBuilder) exprValues() map[string]dynamodbtypes.AttributeValue {
	if len(b.values) == 0 {
		return nil
	}
	return b.values
}
