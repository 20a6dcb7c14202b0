// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package engine

import (
	"fmt"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/mongoerrors"
)

// exprScope is the variable environment of an aggregation expression:
// the current document, $$ROOT, and any $$user variables. let/lookup scopes
// chain through parent.
type exprScope struct {
	root    bson.D
	current any
	vars    map[string]any
	parent  *exprScope
}

func newScope(doc bson.D) *exprScope {
	return &exprScope{root: doc, current: doc}
}

func (s *exprScope) child(vars map[string]any) *exprScope {
	return &exprScope{root: s.root, current: s.current, vars: vars, parent: s}
}

func (s *exprScope) lookupVar(name string) (any, bool) {
	for sc := s; sc != nil; sc = sc.parent {
		if v, ok := sc.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// isTruthy implements the standard truthiness rules: false, null, missing,
// zero, and NaN are falsy; everything else is truthy.
func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil, bson.Null, bson.Undefined, missingValue:
		return false
	case bool:
		return t
	case int32:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0 && !math.IsNaN(t)
	case bson.Decimal128:
		d, nan := numericDecimal(t)
		return !nan && !d.IsZero()
	default:
		return true
	}
}

// evalExpr evaluates an aggregation expression against the scope. Strings
// beginning with $ are field paths or $$variables; documents whose first key
// begins with $ are operator expressions; other documents and arrays are
// evaluated structurally; everything else is a literal.
func evalExpr(expr any, sc *exprScope) (any, error) {
	switch t := expr.(type) {
	case string:
		if strings.HasPrefix(t, "$$") {
			return evalVariable(t[2:], sc)
		}
		if strings.HasPrefix(t, "$") {
			return evalFieldPath(t[1:], sc), nil
		}
		return t, nil

	case bson.D:
		if len(t) > 0 && strings.HasPrefix(t[0].Key, "$") {
			if len(t) != 1 {
				return nil, mongoerrors.NewBadValue("an expression specification must contain exactly one field, found %d", len(t))
			}
			return evalOperator(t[0].Key, t[0].Value, sc)
		}
		out := make(bson.D, 0, len(t))
		for _, e := range t {
			v, err := evalExpr(e.Value, sc)
			if err != nil {
				return nil, err
			}
			if _, missing := v.(missingValue); missing {
				continue
			}
			out = append(out, bson.E{Key: e.Key, Value: v})
		}
		return out, nil

	case bson.A:
		out := make(bson.A, 0, len(t))
		for _, e := range t {
			v, err := evalExpr(e, sc)
			if err != nil {
				return nil, err
			}
			if _, missing := v.(missingValue); missing {
				v = bson.Null{}
			}
			out = append(out, v)
		}
		return out, nil

	default:
		return expr, nil
	}
}

// missingValue marks a field path that resolved to nothing. It collapses to
// "absent" in document results and to null elsewhere.
type missingValue struct{}

func evalVariable(name string, sc *exprScope) (any, error) {
	path := splitPath(name)
	head := path[0]

	var base any
	switch head {
	case "ROOT":
		base = sc.root
	case "CURRENT":
		base = sc.current
	case "NOW":
		base = bson.DateTime(nowMillis())
	default:
		v, ok := sc.lookupVar(head)
		if !ok {
			return nil, mongoerrors.NewBadValue("use of undefined variable: %s", head)
		}
		base = v
	}

	if len(path) == 1 {
		return base, nil
	}
	leaves := resolvePath(base, path[1:])
	if len(leaves) == 1 && leaves[0].exists {
		return leaves[0].value, nil
	}
	return missingValue{}, nil
}

func evalFieldPath(path string, sc *exprScope) any {
	doc, ok := sc.current.(bson.D)
	if !ok {
		return missingValue{}
	}
	leaves := resolvePath(doc, splitPath(path))
	if len(leaves) == 1 {
		if leaves[0].exists {
			return leaves[0].value
		}
		return missingValue{}
	}
	// implicit array traversal fans out into an array of resolved values
	out := make(bson.A, 0, len(leaves))
	for _, leaf := range leaves {
		if leaf.exists {
			out = append(out, leaf.value)
		}
	}
	return out
}

func nullIfMissing(v any) any {
	if _, ok := v.(missingValue); ok {
		return bson.Null{}
	}
	return v
}

func isNullish(v any) bool {
	switch v.(type) {
	case nil, bson.Null, bson.Undefined, missingValue:
		return true
	}
	return false
}

// evalOperands evaluates arg as an operand list: an array yields its
// elements, anything else a single operand.
func evalOperands(arg any, sc *exprScope) ([]any, error) {
	if arr, ok := bsonutil.AsArray(arg); ok {
		out := make([]any, 0, len(arr))
		for _, a := range arr {
			v, err := evalExpr(a, sc)
			if err != nil {
				return nil, err
			}
			out = append(out, nullIfMissing(v))
		}
		return out, nil
	}
	v, err := evalExpr(arg, sc)
	if err != nil {
		return nil, err
	}
	return []any{nullIfMissing(v)}, nil
}

func wantOperands(op string, arg any, sc *exprScope, n int) ([]any, error) {
	args, err := evalOperands(arg, sc)
	if err != nil {
		return nil, err
	}
	if len(args) != n {
		return nil, mongoerrors.NewBadValue("%s takes exactly %d arguments, %d were passed in", op, n, len(args))
	}
	return args, nil
}

func evalOperator(op string, arg any, sc *exprScope) (any, error) {
	switch op {
	case "$literal":
		return arg, nil

	// arithmetic
	case "$add", "$subtract", "$multiply", "$divide", "$mod":
		return evalArithmetic(op, arg, sc)

	// comparison
	case "$cmp", "$eq", "$ne", "$gt", "$gte", "$lt", "$lte":
		args, err := wantOperands(op, arg, sc, 2)
		if err != nil {
			return nil, err
		}
		cmp := compareValues(args[0], args[1], nil)
		switch op {
		case "$cmp":
			return int32(cmp), nil
		case "$eq":
			return cmp == 0, nil
		case "$ne":
			return cmp != 0, nil
		case "$gt":
			return cmp > 0, nil
		case "$gte":
			return cmp >= 0, nil
		case "$lt":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}

	// logical
	case "$and", "$or":
		args, err := evalOperands(arg, sc)
		if err != nil {
			return nil, err
		}
		if op == "$and" {
			for _, a := range args {
				if !isTruthy(a) {
					return false, nil
				}
			}
			return true, nil
		}
		for _, a := range args {
			if isTruthy(a) {
				return true, nil
			}
		}
		return false, nil

	case "$not":
		args, err := evalOperands(arg, sc)
		if err != nil {
			return nil, err
		}
		if len(args) != 1 {
			return nil, mongoerrors.NewBadValue("$not takes exactly 1 argument")
		}
		return !isTruthy(args[0]), nil

	// conditional
	case "$cond":
		return evalCond(arg, sc)

	case "$ifNull":
		args, err := evalOperands(arg, sc)
		if err != nil {
			return nil, err
		}
		for _, a := range args {
			if !isNullish(a) {
				return a, nil
			}
		}
		if len(args) == 0 {
			return bson.Null{}, nil
		}
		return args[len(args)-1], nil

	case "$switch":
		return evalSwitch(arg, sc)

	// strings
	case "$concat":
		args, err := evalOperands(arg, sc)
		if err != nil {
			return nil, err
		}
		var sb strings.Builder
		for _, a := range args {
			if isNullish(a) {
				return bson.Null{}, nil
			}
			s, ok := bsonutil.AsString(a)
			if !ok {
				return nil, mongoerrors.NewTypeMismatch("$concat only supports strings")
			}
			sb.WriteString(s)
		}
		return sb.String(), nil

	case "$toLower", "$toUpper":
		args, err := evalOperands(arg, sc)
		if err != nil {
			return nil, err
		}
		if len(args) != 1 {
			return nil, mongoerrors.NewBadValue("%s takes exactly 1 argument", op)
		}
		if isNullish(args[0]) {
			return "", nil
		}
		s := stringify(args[0])
		if op == "$toLower" {
			return strings.ToLower(s), nil
		}
		return strings.ToUpper(s), nil

	case "$substr", "$substrBytes":
		args, err := wantOperands(op, arg, sc, 3)
		if err != nil {
			return nil, err
		}
		s := stringify(args[0])
		start, ok1 := bsonutil.AsInt64(args[1])
		length, ok2 := bsonutil.AsInt64(args[2])
		if !ok1 || !ok2 {
			return nil, mongoerrors.NewTypeMismatch("%s needs numeric start and length", op)
		}
		if start < 0 || start >= int64(len(s)) {
			return "", nil
		}
		end := int64(len(s))
		if length >= 0 && start+length < end {
			end = start + length
		}
		return s[start:end], nil

	case "$substrCP":
		args, err := wantOperands(op, arg, sc, 3)
		if err != nil {
			return nil, err
		}
		runes := []rune(stringify(args[0]))
		start, ok1 := bsonutil.AsInt64(args[1])
		length, ok2 := bsonutil.AsInt64(args[2])
		if !ok1 || !ok2 {
			return nil, mongoerrors.NewTypeMismatch("$substrCP needs numeric start and length")
		}
		if start < 0 || start >= int64(len(runes)) {
			return "", nil
		}
		end := int64(len(runes))
		if length >= 0 && start+length < end {
			end = start + length
		}
		return string(runes[start:end]), nil

	case "$split":
		args, err := wantOperands(op, arg, sc, 2)
		if err != nil {
			return nil, err
		}
		if isNullish(args[0]) {
			return bson.Null{}, nil
		}
		s, ok1 := bsonutil.AsString(args[0])
		sep, ok2 := bsonutil.AsString(args[1])
		if !ok1 || !ok2 {
			return nil, mongoerrors.NewTypeMismatch("$split only supports strings")
		}
		if sep == "" {
			return nil, mongoerrors.NewBadValue("$split requires a non-empty separator")
		}
		parts := strings.Split(s, sep)
		out := make(bson.A, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil

	// arrays
	case "$size":
		args, err := evalOperands(arg, sc)
		if err != nil {
			return nil, err
		}
		if len(args) != 1 {
			return nil, mongoerrors.NewBadValue("$size takes exactly 1 argument")
		}
		arr, ok := bsonutil.AsArray(args[0])
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("the argument to $size must be an array")
		}
		return int32(len(arr)), nil

	case "$arrayElemAt":
		args, err := wantOperands(op, arg, sc, 2)
		if err != nil {
			return nil, err
		}
		arr, ok := bsonutil.AsArray(args[0])
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("$arrayElemAt's first argument must be an array")
		}
		idx, ok := bsonutil.AsInt64(args[1])
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("$arrayElemAt's second argument must be a number")
		}
		if idx < 0 {
			idx += int64(len(arr))
		}
		if idx < 0 || idx >= int64(len(arr)) {
			return missingValue{}, nil
		}
		return arr[idx], nil

	case "$in":
		args, err := wantOperands(op, arg, sc, 2)
		if err != nil {
			return nil, err
		}
		arr, ok := bsonutil.AsArray(args[1])
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("$in requires an array as a second argument")
		}
		for _, e := range arr {
			if valuesEqual(e, args[0], nil) {
				return true, nil
			}
		}
		return false, nil

	case "$map":
		return evalMap(arg, sc)

	case "$filter":
		return evalFilter(arg, sc)

	// types
	case "$type":
		args, err := evalOperands(arg, sc)
		if err != nil {
			return nil, err
		}
		if len(args) != 1 {
			return nil, mongoerrors.NewBadValue("$type takes exactly 1 argument")
		}
		return typeName(args[0]), nil

	case "$convert":
		return evalConvert(arg, sc)

	case "$toString", "$toInt", "$toLong", "$toDouble", "$toBool":
		v, err := evalExpr(arg, sc)
		if err != nil {
			return nil, err
		}
		to := map[string]string{
			"$toString": "string", "$toInt": "int", "$toLong": "long",
			"$toDouble": "double", "$toBool": "bool",
		}[op]
		return convertValue(nullIfMissing(v), to)

	default:
		return nil, mongoerrors.NewNotImplemented("unknown expression operator: %s", op)
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int32:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	case float64:
		return formatDouble(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func formatDouble(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

func typeName(v any) string {
	switch v.(type) {
	case float64:
		return "double"
	case string:
		return "string"
	case bson.D:
		return "object"
	case bson.A:
		return "array"
	case bson.Binary:
		return "binData"
	case bson.Undefined:
		return "undefined"
	case bson.ObjectID:
		return "objectId"
	case bool:
		return "bool"
	case bson.DateTime:
		return "date"
	case nil, bson.Null:
		return "null"
	case bson.Regex:
		return "regex"
	case int32:
		return "int"
	case bson.Timestamp:
		return "timestamp"
	case int64:
		return "long"
	case bson.Decimal128:
		return "decimal"
	case bson.MinKey:
		return "minKey"
	case bson.MaxKey:
		return "maxKey"
	case missingValue:
		return "missing"
	default:
		return "unknown"
	}
}

func evalArithmetic(op string, arg any, sc *exprScope) (any, error) {
	args, err := evalOperands(arg, sc)
	if err != nil {
		return nil, err
	}

	for _, a := range args {
		if isNullish(a) {
			return bson.Null{}, nil
		}
	}

	nums := make([]float64, len(args))
	allInt := true
	for i, a := range args {
		n, ok := bsonutil.AsNumber(a)
		if !ok {
			if op == "$add" {
				if dt, isDate := a.(bson.DateTime); isDate {
					return addToDate(dt, args, i)
				}
			}
			return nil, mongoerrors.NewTypeMismatch("%s only supports numeric types, not %s", op, typeName(a))
		}
		nums[i] = n
		if _, isInt := bsonutil.AsInt64(a); !isInt {
			allInt = false
		}
		if _, isDouble := a.(float64); isDouble {
			allInt = false
		}
	}

	switch op {
	case "$add":
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return numericResult(sum, allInt), nil
	case "$subtract":
		if len(nums) != 2 {
			return nil, mongoerrors.NewBadValue("$subtract takes exactly 2 arguments")
		}
		return numericResult(nums[0]-nums[1], allInt), nil
	case "$multiply":
		prod := 1.0
		for _, n := range nums {
			prod *= n
		}
		return numericResult(prod, allInt), nil
	case "$divide":
		if len(nums) != 2 {
			return nil, mongoerrors.NewBadValue("$divide takes exactly 2 arguments")
		}
		if nums[1] == 0 {
			return nil, mongoerrors.NewBadValue("can't $divide by zero")
		}
		return nums[0] / nums[1], nil
	default: // $mod
		if len(nums) != 2 {
			return nil, mongoerrors.NewBadValue("$mod takes exactly 2 arguments")
		}
		if nums[1] == 0 {
			return nil, mongoerrors.NewBadValue("can't $mod by zero")
		}
		return numericResult(math.Mod(nums[0], nums[1]), allInt), nil
	}
}

// addToDate supports the date + millis form of $add.
func addToDate(dt bson.DateTime, args []any, dateIdx int) (any, error) {
	total := int64(dt)
	for i, a := range args {
		if i == dateIdx {
			continue
		}
		n, ok := bsonutil.AsInt64(a)
		if !ok {
			return nil, mongoerrors.NewTypeMismatch("$add of a date requires numeric operands")
		}
		total += n
	}
	return bson.DateTime(total), nil
}

func numericResult(f float64, allInt bool) any {
	if allInt && f == math.Trunc(f) {
		if f >= math.MinInt32 && f <= math.MaxInt32 {
			return int32(f)
		}
		return int64(f)
	}
	return f
}

func evalCond(arg any, sc *exprScope) (any, error) {
	var ifE, thenE, elseE any
	if doc, ok := bsonutil.AsDocument(arg); ok && bsonutil.Has(doc, "if") {
		ifE, _ = bsonutil.Lookup(doc, "if")
		thenE, _ = bsonutil.Lookup(doc, "then")
		elseE, _ = bsonutil.Lookup(doc, "else")
	} else if arr, ok := bsonutil.AsArray(arg); ok && len(arr) == 3 {
		ifE, thenE, elseE = arr[0], arr[1], arr[2]
	} else {
		return nil, mongoerrors.NewBadValue("$cond requires either 3 operands or if/then/else")
	}

	cond, err := evalExpr(ifE, sc)
	if err != nil {
		return nil, err
	}
	if isTruthy(cond) {
		return evalExpr(thenE, sc)
	}
	return evalExpr(elseE, sc)
}

func evalSwitch(arg any, sc *exprScope) (any, error) {
	doc, ok := bsonutil.AsDocument(arg)
	if !ok {
		return nil, mongoerrors.NewBadValue("$switch requires a document")
	}
	branchesV, _ := bsonutil.Lookup(doc, "branches")
	branches, ok := bsonutil.AsArray(branchesV)
	if !ok {
		return nil, mongoerrors.NewBadValue("$switch requires a branches array")
	}
	for _, b := range branches {
		branch, ok := bsonutil.AsDocument(b)
		if !ok {
			return nil, mongoerrors.NewBadValue("$switch branches must be documents")
		}
		caseE, _ := bsonutil.Lookup(branch, "case")
		cond, err := evalExpr(caseE, sc)
		if err != nil {
			return nil, err
		}
		if isTruthy(cond) {
			thenE, _ := bsonutil.Lookup(branch, "then")
			return evalExpr(thenE, sc)
		}
	}
	if defE, ok := bsonutil.Lookup(doc, "default"); ok {
		return evalExpr(defE, sc)
	}
	return nil, mongoerrors.NewBadValue("$switch found no matching branch and no default")
}

func evalMap(arg any, sc *exprScope) (any, error) {
	doc, ok := bsonutil.AsDocument(arg)
	if !ok {
		return nil, mongoerrors.NewBadValue("$map requires a document")
	}
	inputE, _ := bsonutil.Lookup(doc, "input")
	asV, _ := bsonutil.Lookup(doc, "as")
	as, _ := bsonutil.AsString(asV)
	if as == "" {
		as = "this"
	}
	inE, _ := bsonutil.Lookup(doc, "in")

	input, err := evalExpr(inputE, sc)
	if err != nil {
		return nil, err
	}
	if isNullish(input) {
		return bson.Null{}, nil
	}
	arr, ok := bsonutil.AsArray(input)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("input to $map must be an array")
	}

	out := make(bson.A, 0, len(arr))
	for _, elem := range arr {
		child := sc.child(map[string]any{as: elem})
		v, err := evalExpr(inE, child)
		if err != nil {
			return nil, err
		}
		out = append(out, nullIfMissing(v))
	}
	return out, nil
}

func evalFilter(arg any, sc *exprScope) (any, error) {
	doc, ok := bsonutil.AsDocument(arg)
	if !ok {
		return nil, mongoerrors.NewBadValue("$filter requires a document")
	}
	inputE, _ := bsonutil.Lookup(doc, "input")
	asV, _ := bsonutil.Lookup(doc, "as")
	as, _ := bsonutil.AsString(asV)
	if as == "" {
		as = "this"
	}
	condE, _ := bsonutil.Lookup(doc, "cond")

	input, err := evalExpr(inputE, sc)
	if err != nil {
		return nil, err
	}
	if isNullish(input) {
		return bson.Null{}, nil
	}
	arr, ok := bsonutil.AsArray(input)
	if !ok {
		return nil, mongoerrors.NewTypeMismatch("input to $filter must be an array")
	}

	out := bson.A{}
	for _, elem := range arr {
		child := sc.child(map[string]any{as: elem})
		v, err := evalExpr(condE, child)
		if err != nil {
			return nil, err
		}
		if isTruthy(v) {
			out = append(out, elem)
		}
	}
	return out, nil
}

func evalConvert(arg any, sc *exprScope) (any, error) {
	doc, ok := bsonutil.AsDocument(arg)
	if !ok {
		return nil, mongoerrors.NewBadValue("$convert requires a document")
	}
	inputE, _ := bsonutil.Lookup(doc, "input")
	toV, _ := bsonutil.Lookup(doc, "to")

	input, err := evalExpr(inputE, sc)
	if err != nil {
		return nil, err
	}
	to, err := evalExpr(toV, sc)
	if err != nil {
		return nil, err
	}
	toName, ok := bsonutil.AsString(to)
	if !ok {
		if n, isN := bsonutil.AsInt64(to); isN {
			for name, num := range typeAliases {
				if int64(num) == n {
					toName = name
					break
				}
			}
		}
	}
	if toName == "" {
		return nil, mongoerrors.NewBadValue("$convert requires a valid 'to' type")
	}

	out, convErr := convertValue(nullIfMissing(input), toName)
	if convErr != nil {
		if onErrE, ok := bsonutil.Lookup(doc, "onError"); ok {
			return evalExpr(onErrE, sc)
		}
		return nil, convErr
	}
	if isNullish(out) {
		if onNullE, ok := bsonutil.Lookup(doc, "onNull"); ok {
			return evalExpr(onNullE, sc)
		}
	}
	return out, nil
}

func convertValue(v any, to string) (any, error) {
	if isNullish(v) {
		return bson.Null{}, nil
	}

	switch to {
	case "string":
		switch t := v.(type) {
		case string:
			return t, nil
		case bson.ObjectID:
			return t.Hex(), nil
		case bool:
			return fmt.Sprintf("%t", t), nil
		default:
			if bsonutil.IsNumber(v) {
				return stringify(v), nil
			}
		}
		return nil, mongoerrors.NewBadValue("unsupported conversion from %s to string", typeName(v))

	case "bool":
		return isTruthy(v), nil

	case "int", "long":
		var n int64
		switch t := v.(type) {
		case string:
			if _, err := fmt.Sscanf(t, "%d", &n); err != nil {
				return nil, mongoerrors.NewBadValue("failed to parse number %q", t)
			}
		case bool:
			if t {
				n = 1
			}
		default:
			f, ok := bsonutil.AsNumber(v)
			if !ok {
				return nil, mongoerrors.NewBadValue("unsupported conversion from %s to %s", typeName(v), to)
			}
			n = int64(f)
		}
		if to == "int" {
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, mongoerrors.NewBadValue("conversion to int overflows")
			}
			return int32(n), nil
		}
		return n, nil

	case "double":
		switch t := v.(type) {
		case string:
			var f float64
			if _, err := fmt.Sscanf(t, "%g", &f); err != nil {
				return nil, mongoerrors.NewBadValue("failed to parse number %q", t)
			}
			return f, nil
		case bool:
			if t {
				return 1.0, nil
			}
			return 0.0, nil
		case bson.DateTime:
			return float64(int64(t)), nil
		default:
			f, ok := bsonutil.AsNumber(v)
			if !ok {
				if d, nan := numericDecimal(v); !nan {
					f, _ := d.Float64()
					return f, nil
				}
				return nil, mongoerrors.NewBadValue("unsupported conversion from %s to double", typeName(v))
			}
			return f, nil
		}

	case "date":
		if n, ok := bsonutil.AsInt64(v); ok {
			return bson.DateTime(n), nil
		}
		if dt, ok := v.(bson.DateTime); ok {
			return dt, nil
		}
		return nil, mongoerrors.NewBadValue("unsupported conversion from %s to date", typeName(v))

	case "objectId":
		if oid, ok := v.(bson.ObjectID); ok {
			return oid, nil
		}
		if s, ok := bsonutil.AsString(v); ok {
			oid, err := bson.ObjectIDFromHex(s)
			if err != nil {
				return nil, mongoerrors.NewBadValue("failed to parse objectId %q", s)
			}
			return oid, nil
		}
		return nil, mongoerrors.NewBadValue("unsupported conversion from %s to objectId", typeName(v))

	case "decimal":
		if d, ok := v.(bson.Decimal128); ok {
			return d, nil
		}
		d, err := bson.ParseDecimal128(stringify(v))
		if err != nil {
			return nil, mongoerrors.NewBadValue("unsupported conversion from %s to decimal", typeName(v))
		}
		return d, nil

	default:
		return nil, mongoerrors.NewNotImplemented("$convert to %q", to)
	}
}
