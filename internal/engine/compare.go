// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// typeRank is the canonical inter-type sort order. Numeric types share one
// rank; missing sorts with null.
func typeRank(v any) int {
	switch v.(type) {
	case bson.MinKey:
		return 0
	case nil, bson.Null, bson.Undefined:
		return 1
	case int32, int64, float64, bson.Decimal128:
		return 2
	case string, bson.Symbol:
		return 3
	case bson.D:
		return 4
	case bson.A:
		return 5
	case bson.Binary:
		return 6
	case bson.ObjectID:
		return 7
	case bool:
		return 8
	case bson.DateTime:
		return 9
	case bson.Timestamp:
		return 10
	case bson.Regex:
		return 11
	case bson.MaxKey:
		return 12
	default:
		return 13
	}
}

// compareValues orders two BSON values by the canonical comparison rules.
// Collation, when non-nil, substitutes locale-aware comparison for strings
// and nothing else.
func compareValues(a, b any, coll *collation) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch ra {
	case 0, 1, 12: // MinKey, Null/missing, MaxKey
		return 0

	case 2:
		return compareNumbers(a, b)

	case 3:
		sa, sb := stringOf(a), stringOf(b)
		if coll != nil {
			return coll.compareStrings(sa, sb)
		}
		return strings.Compare(sa, sb)

	case 4:
		return compareDocuments(a.(bson.D), b.(bson.D), coll)

	case 5:
		return compareArrays(a.(bson.A), b.(bson.A), coll)

	case 6:
		ba, bb := a.(bson.Binary), b.(bson.Binary)
		if len(ba.Data) != len(bb.Data) {
			if len(ba.Data) < len(bb.Data) {
				return -1
			}
			return 1
		}
		if ba.Subtype != bb.Subtype {
			if ba.Subtype < bb.Subtype {
				return -1
			}
			return 1
		}
		return bytes.Compare(ba.Data, bb.Data)

	case 7:
		oa, ob := a.(bson.ObjectID), b.(bson.ObjectID)
		return bytes.Compare(oa[:], ob[:])

	case 8:
		va, vb := a.(bool), b.(bool)
		switch {
		case va == vb:
			return 0
		case !va:
			return -1
		default:
			return 1
		}

	case 9:
		da, db := int64(a.(bson.DateTime)), int64(b.(bson.DateTime))
		return compareInt64(da, db)

	case 10:
		ta, tb := a.(bson.Timestamp), b.(bson.Timestamp)
		if ta.T != tb.T {
			if ta.T < tb.T {
				return -1
			}
			return 1
		}
		return compareInt64(int64(ta.I), int64(tb.I))

	case 11:
		ga, gb := a.(bson.Regex), b.(bson.Regex)
		if c := strings.Compare(ga.Pattern, gb.Pattern); c != 0 {
			return c
		}
		return strings.Compare(ga.Options, gb.Options)

	default:
		return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
	}
}

func stringOf(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bson.Symbol:
		return string(s)
	}
	return ""
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareNumbers unifies int32, int64, double, and decimal128 into one
// numeric line. NaN sorts below every other number, matching the reference
// server.
func compareNumbers(a, b any) int {
	da, naA := numericDecimal(a)
	db, naB := numericDecimal(b)

	switch {
	case naA && naB:
		return 0
	case naA:
		return -1
	case naB:
		return 1
	}
	return da.Cmp(db)
}

// numericDecimal converts a BSON numeric value to an exact decimal. The
// second return is true for NaN.
func numericDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int32:
		return decimal.NewFromInt32(n), false
	case int64:
		return decimal.NewFromInt(n), false
	case float64:
		if math.IsNaN(n) {
			return decimal.Zero, true
		}
		if math.IsInf(n, 1) {
			return maxDecimal, false
		}
		if math.IsInf(n, -1) {
			return maxDecimal.Neg(), false
		}
		return decimal.NewFromFloat(n), false
	case bson.Decimal128:
		s := n.String()
		switch s {
		case "NaN", "-NaN":
			return decimal.Zero, true
		case "Infinity":
			return maxDecimal, false
		case "-Infinity":
			return maxDecimal.Neg(), false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, true
		}
		return d, false
	}
	return decimal.Zero, true
}

// maxDecimal stands in for infinity; it is beyond every representable
// decimal128 value.
var maxDecimal = decimal.New(1, 7000)

func compareDocuments(a, b bson.D, coll *collation) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(a[i].Key, b[i].Key); c != 0 {
			return c
		}
		if c := compareValues(a[i].Value, b[i].Value, coll); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func compareArrays(a, b bson.A, coll *collation) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := compareValues(a[i], b[i], coll); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// valuesEqual reports logical equality under the canonical comparison.
func valuesEqual(a, b any, coll *collation) bool {
	if typeRank(a) != typeRank(b) {
		return false
	}
	return compareValues(a, b, coll) == 0
}

// canonicalKey renders a value as a map key under which logically equal
// values collide: numeric types normalize to one representation, strings go
// through the collation's sort key when one applies. Used for _id identity,
// unique index tuples, $group keys, and $addToSet membership.
func canonicalKey(v any, coll *collation) string {
	var sb strings.Builder
	appendCanonicalKey(&sb, v, coll)
	return sb.String()
}

func appendCanonicalKey(sb *strings.Builder, v any, coll *collation) {
	switch t := v.(type) {
	case nil, bson.Null, bson.Undefined:
		sb.WriteString("z")
	case bson.MinKey:
		sb.WriteString("min")
	case bson.MaxKey:
		sb.WriteString("max")
	case int32, int64, float64, bson.Decimal128:
		d, nan := numericDecimal(t)
		if nan {
			sb.WriteString("n:NaN")
			return
		}
		sb.WriteString("n:")
		sb.WriteString(d.String())
	case string, bson.Symbol:
		sb.WriteString("s:")
		if coll != nil {
			sb.Write(coll.sortKey(stringOf(t)))
			return
		}
		sb.WriteString(stringOf(t))
	case bool:
		fmt.Fprintf(sb, "b:%t", t)
	case bson.DateTime:
		fmt.Fprintf(sb, "dt:%d", int64(t))
	case bson.Timestamp:
		fmt.Fprintf(sb, "ts:%d.%d", t.T, t.I)
	case bson.ObjectID:
		sb.WriteString("o:")
		sb.WriteString(t.Hex())
	case bson.Binary:
		fmt.Fprintf(sb, "x:%d:%x", t.Subtype, t.Data)
	case bson.Regex:
		fmt.Fprintf(sb, "re:%s/%s", t.Pattern, t.Options)
	case bson.D:
		sb.WriteString("{")
		for i, e := range t {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(sb, "%q:", e.Key)
			appendCanonicalKey(sb, e.Value, coll)
		}
		sb.WriteString("}")
	case bson.A:
		sb.WriteString("[")
		for i, e := range t {
			if i > 0 {
				sb.WriteString(",")
			}
			appendCanonicalKey(sb, e, coll)
		}
		sb.WriteString("]")
	default:
		fmt.Fprintf(sb, "?:%v", t)
	}
}
