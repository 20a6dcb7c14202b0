// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongoerrors defines the error taxonomy shared by the dispatcher,
// the engine, and the wire ingress. Every user-visible failure is a
// CommandError or a WriteErrors; both know how to render themselves as the
// response document shape drivers expect.
package mongoerrors

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Code identifies a server error code.
type Code int32

// The error codes the engine produces.
const (
	CodeBadValue          Code = 14    // semantic violation in options (codeName BadValue)
	CodeTypeMismatch      Code = 14    // wrong value type for a required field (codeName TypeMismatch)
	CodeCursorNotFound    Code = 43    // getMore/killCursors for an unknown id
	CodeCommandNotFound   Code = 59    // unrecognized command name
	CodeImmutableField    Code = 66    // update would change _id
	CodeWriteConflict     Code = 112   // commit-time conflict
	CodeNotImplemented    Code = 238   // recognized shape, unsupported behavior
	CodeNoSuchTransaction Code = 251   // session/txn envelope violations
	CodeDuplicateKey      Code = 11000 // unique-index constraint violation
)

// Error labels attached to responses via the errorLabels array.
const (
	LabelTransientTransaction = "TransientTransactionError"
	LabelUnsupportedFeature   = "UnsupportedFeature"
)

// CommandError is a top-level command failure. It renders as
// {ok: 0.0, code, codeName, errmsg} plus errorLabels when non-empty.
type CommandError struct {
	Code    Code
	Name    string
	Message string
	Labels  []string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("(%s) %s", e.Name, e.Message)
}

// HasLabel reports whether the error carries the given label.
func (e *CommandError) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Document renders the failure response document.
func (e *CommandError) Document() bson.D {
	doc := bson.D{
		{Key: "ok", Value: float64(0)},
		{Key: "errmsg", Value: e.Message},
		{Key: "code", Value: int32(e.Code)},
		{Key: "codeName", Value: e.Name},
	}
	if len(e.Labels) > 0 {
		labels := make(bson.A, 0, len(e.Labels))
		for _, l := range e.Labels {
			labels = append(labels, l)
		}
		doc = append(doc, bson.E{Key: "errorLabels", Value: labels})
	}
	return doc
}

// NewBadValue creates a BadValue error.
func NewBadValue(format string, args ...any) *CommandError {
	return &CommandError{Code: CodeBadValue, Name: "BadValue", Message: fmt.Sprintf(format, args...)}
}

// NewTypeMismatch creates a TypeMismatch error.
func NewTypeMismatch(format string, args ...any) *CommandError {
	return &CommandError{Code: CodeTypeMismatch, Name: "TypeMismatch", Message: fmt.Sprintf(format, args...)}
}

// NewCursorNotFound creates a CursorNotFound error for the given id.
func NewCursorNotFound(id int64) *CommandError {
	return &CommandError{Code: CodeCursorNotFound, Name: "CursorNotFound", Message: fmt.Sprintf("cursor id %d not found", id)}
}

// NewCommandNotFound creates a CommandNotFound error.
func NewCommandNotFound(name string) *CommandError {
	return &CommandError{Code: CodeCommandNotFound, Name: "CommandNotFound", Message: fmt.Sprintf("no such command: '%s'", name)}
}

// NewImmutableField creates an ImmutableField error.
func NewImmutableField(format string, args ...any) *CommandError {
	return &CommandError{Code: CodeImmutableField, Name: "ImmutableField", Message: fmt.Sprintf(format, args...)}
}

// NewWriteConflict creates a commit-time WriteConflict carrying the
// transient transaction label.
func NewWriteConflict(format string, args ...any) *CommandError {
	return &CommandError{
		Code:    CodeWriteConflict,
		Name:    "WriteConflict",
		Message: fmt.Sprintf(format, args...),
		Labels:  []string{LabelTransientTransaction},
	}
}

// NewNotImplemented creates a NotImplemented error labeled
// UnsupportedFeature.
func NewNotImplemented(format string, args ...any) *CommandError {
	return &CommandError{
		Code:    CodeNotImplemented,
		Name:    "NotImplemented",
		Message: fmt.Sprintf(format, args...),
		Labels:  []string{LabelUnsupportedFeature},
	}
}

// NewNoSuchTransaction creates a NoSuchTransaction error. transient controls
// whether the TransientTransactionError label is attached; retryable envelope
// violations carry it, terminal ones do not.
func NewNoSuchTransaction(transient bool, format string, args ...any) *CommandError {
	e := &CommandError{Code: CodeNoSuchTransaction, Name: "NoSuchTransaction", Message: fmt.Sprintf(format, args...)}
	if transient {
		e.Labels = []string{LabelTransientTransaction}
	}
	return e
}

// NewDuplicateKey creates a DuplicateKey error.
func NewDuplicateKey(format string, args ...any) *CommandError {
	return &CommandError{Code: CodeDuplicateKey, Name: "DuplicateKey", Message: fmt.Sprintf(format, args...)}
}

// WriteError is a single per-document failure inside a write command.
type WriteError struct {
	Index   int32
	Code    Code
	Name    string
	Message string
}

// Document renders the writeErrors array entry.
func (w WriteError) Document() bson.D {
	return bson.D{
		{Key: "index", Value: w.Index},
		{Key: "code", Value: int32(w.Code)},
		{Key: "codeName", Value: w.Name},
		{Key: "errmsg", Value: w.Message},
	}
}

// WriteErrors collects per-document failures for insert/update/delete style
// commands. The enclosing response still has ok: 1.
type WriteErrors struct {
	Errors []WriteError
}

// Error implements the error interface.
func (w *WriteErrors) Error() string {
	if len(w.Errors) == 1 {
		return w.Errors[0].Message
	}
	return fmt.Sprintf("%d write errors", len(w.Errors))
}

// Append adds a write error at the given operation index.
func (w *WriteErrors) Append(index int32, err error) {
	if ce, ok := err.(*CommandError); ok {
		w.Errors = append(w.Errors, WriteError{Index: index, Code: ce.Code, Name: ce.Name, Message: ce.Message})
		return
	}
	w.Errors = append(w.Errors, WriteError{Index: index, Code: CodeBadValue, Name: "BadValue", Message: err.Error()})
}

// Array renders the writeErrors array.
func (w *WriteErrors) Array() bson.A {
	arr := make(bson.A, 0, len(w.Errors))
	for _, e := range w.Errors {
		arr = append(arr, e.Document())
	}
	return arr
}

// AsCommandError coerces err into a *CommandError, wrapping foreign errors
// as BadValue so nothing internal leaks into errmsg unstructured.
func AsCommandError(err error) *CommandError {
	if ce, ok := err.(*CommandError); ok {
		return ce
	}
	return NewBadValue("%s", err.Error())
}
