// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/mongoerrors"
)

var txnOptions = map[string]struct{}{}

func handleCommitTransaction(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, txnOptions); err != nil {
		return nil, err
	}
	if req.Session == nil {
		return nil, mongoerrors.NewNoSuchTransaction(false, "commitTransaction requires an lsid")
	}
	if err := req.d.Sessions.Commit(req.Session, req.TxnNumber); err != nil {
		return nil, err
	}
	return bson.D{}, nil
}

func handleAbortTransaction(req *Request) (bson.D, error) {
	if err := rejectUnknownOptions(req, txnOptions); err != nil {
		return nil, err
	}
	if req.Session == nil {
		return nil, mongoerrors.NewNoSuchTransaction(false, "abortTransaction requires an lsid")
	}
	if err := req.d.Sessions.Abort(req.Session, req.TxnNumber); err != nil {
		return nil, err
	}
	return bson.D{}, nil
}
