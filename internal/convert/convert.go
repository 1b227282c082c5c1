// Package convert turns a replication row image into the Mongo documents
// the sink writes: a "base" document (current state, upserted in place,
// identified by _id = pk when PK-as-id is enabled) and, for tasks that
// version history, a "version" document (an append-only snapshot of the
// row at the time of a change).
package convert

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/block/rowsync/internal/model"
)

// ColumnType names the subset of MySQL column affinities the converter
// treats specially; everything else passes through unchanged.
type ColumnType int

const (
	TypeOther ColumnType = iota
	TypeDecimal
	TypeDate
	TypeDatetime
)

// ColumnSpec is what the Introspector hands the Converter about one column.
type ColumnSpec struct {
	Name string
	Type ColumnType
}

// DefaultDecimalScale is the fixed scale decimals are truncated to absent
// a task-level override.
const DefaultDecimalScale = 18

// Converter maps a source Row to Mongo documents given the destination
// collection's column specs and the configured primary-key field.
type Converter struct {
	Columns        map[string]ColumnSpec
	PKField        string
	UsePKAsMongoID bool
	DecimalScale   int32
}

func New(columns map[string]ColumnSpec, pkField string, usePKAsMongoID bool) *Converter {
	return &Converter{
		Columns:        columns,
		PKField:        pkField,
		UsePKAsMongoID: usePKAsMongoID,
		DecimalScale:   DefaultDecimalScale,
	}
}

// FromColumnList builds the Columns lookup map a Converter needs from the
// Introspector's binlog-ordered column slice.
func FromColumnList(cols []ColumnSpec, pkField string, usePKAsMongoID bool) *Converter {
	byName := make(map[string]ColumnSpec, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}
	return New(byName, pkField, usePKAsMongoID)
}

// ExtractPK returns row's primary key value, matching PKField
// case-insensitively (first match wins), and whether one was found.
func (c *Converter) ExtractPK(row model.Row) (any, bool) {
	if v, ok := row[c.PKField]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, c.PKField) {
			return v, true
		}
	}
	return nil, false
}

// ToBase converts row into the document stored in the collection's
// current-state ("base") form. When UsePKAsMongoID is set and row's
// primary key resolves, _id is the pk value; otherwise _id is left unset
// for the sink to assign.
func (c *Converter) ToBase(row model.Row) (bson.M, error) {
	doc, err := c.convertFields(row)
	if err != nil {
		return nil, err
	}
	if c.UsePKAsMongoID {
		if pk, ok := c.ExtractPK(row); ok {
			doc["_id"] = pk
		}
	}
	return doc, nil
}

// ToVersion converts row into an append-only version document: a fresh
// ObjectID _id, _base_id set to row's primary key, _is_version=true, and
// the given op ("update" or "delete") plus a UTC timestamp.
func (c *Converter) ToVersion(row model.Row, op string) (bson.M, error) {
	doc, err := c.convertFields(row)
	if err != nil {
		return nil, err
	}
	pk, _ := c.ExtractPK(row)
	doc["_id"] = primitive.NewObjectID()
	doc["_base_id"] = pk
	doc["_is_version"] = true
	doc["_op"] = op
	doc["_ts"] = time.Now().UTC()
	return doc, nil
}

// FilterByPK builds the bson filter document that locates the base
// document for row's primary key: the worker always addresses base
// documents by _id = pk, independent of whether UsePKAsMongoID governs
// how fresh inserts are keyed.
func (c *Converter) FilterByPK(row model.Row) bson.M {
	pk, _ := c.ExtractPK(row)
	return bson.M{"_id": pk}
}

// FilterByPKField builds the filter matching every document (base or
// version) carrying row's primary key value under PKField — used by the
// "mark every doc, not just base" delete policy.
func (c *Converter) FilterByPKField(row model.Row) bson.M {
	pk, _ := c.ExtractPK(row)
	return bson.M{c.PKField: pk}
}

func (c *Converter) convertFields(row model.Row) (bson.M, error) {
	doc := bson.M{}
	for name, v := range row {
		spec, known := c.Columns[name]
		if !known {
			converted, err := c.Convert(v)
			if err != nil {
				return nil, fmt.Errorf("convert column %q: %w", name, err)
			}
			doc[name] = converted
			continue
		}
		converted, err := c.convertTyped(spec, v)
		if err != nil {
			return nil, fmt.Errorf("convert column %q: %w", name, err)
		}
		doc[name] = converted
		if spec.Type == TypeDecimal {
			// sibling string form, for exact-text round-tripping and
			// aggregation pipelines that can't do math on Decimal128.
			if dec, ok := converted.(primitive.Decimal128); ok {
				doc[name+"_str"] = dec.String()
			}
		}
	}
	return doc, nil
}

func (c *Converter) convertTyped(spec ColumnSpec, v any) (any, error) {
	switch spec.Type {
	case TypeDecimal:
		return c.convertDecimal(v)
	case TypeDate, TypeDatetime:
		return convertTemporal(v)
	default:
		return c.Convert(v)
	}
}

// Convert recurses into nested mappings and sequences; every other value
// passes through unchanged. It has no column-type context, so it never
// attempts decimal/date coercion on untyped values — that only happens
// for columns the Introspector identified via convertTyped.
func (c *Converter) Convert(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			converted, err := c.Convert(e)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			converted, err := c.Convert(e)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return v, nil
	}
}

// convertDecimal renders v (a string or []byte as delivered by go-mysql's
// row decoder) into a Decimal128 truncated to DecimalScale, rounding
// toward zero. A non-finite or unparseable decimal representation is
// swallowed to nil rather than erroring the whole row.
func (c *Converter) convertDecimal(v any) (any, error) {
	s, ok := asString(v)
	if !ok {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, nil
	}
	scale := c.DecimalScale
	if scale == 0 {
		scale = DefaultDecimalScale
	}
	truncated := d.Truncate(scale)
	dec, err := primitive.ParseDecimal128(truncated.StringFixed(scale))
	if err != nil {
		return nil, fmt.Errorf("decimal128 encode: %w", err)
	}
	return dec, nil
}

// convertTemporal maps MySQL's zero-dates (0000-00-00, which go-mysql
// surfaces as an empty string or the zero time.Time) to nil, and renders
// a bare date as midnight UTC.
func convertTemporal(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return nil, nil
		}
		return primitive.NewDateTimeFromTime(t), nil
	case string:
		if t == "" || t == "0000-00-00" || t == "0000-00-00 00:00:00" {
			return nil, nil
		}
		for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.ParseInLocation(layout, t, time.UTC); err == nil {
				return primitive.NewDateTimeFromTime(parsed), nil
			}
		}
		return t, nil
	default:
		return v, nil
	}
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}
