// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package command

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/jongodb/jongodb/internal/bsonutil"
	"github.com/jongodb/jongodb/internal/session"
)

// handleHello answers the handshake for both hello and the legacy isMaster
// alias. The replica-set profile additionally reports the set topology with
// this single node as primary.
func handleHello(req *Request) (bson.D, error) {
	resp := bson.D{
		{Key: "isWritablePrimary", Value: true},
		{Key: "helloOk", Value: true},
	}
	if req.keyFieldIsLegacyHello() {
		resp = append(bson.D{{Key: "ismaster", Value: true}}, resp...)
	}

	if req.d.Cfg.ReplicaSet != "" {
		hostPort := req.d.Cfg.HostPort()
		resp = append(resp,
			bson.E{Key: "setName", Value: req.d.Cfg.ReplicaSet},
			bson.E{Key: "hosts", Value: bson.A{hostPort}},
			bson.E{Key: "primary", Value: hostPort},
			bson.E{Key: "me", Value: hostPort},
			bson.E{Key: "setVersion", Value: int32(1)},
		)
	}

	resp = append(resp,
		bson.E{Key: "maxBsonObjectSize", Value: int32(MaxBSONObjectSize)},
		bson.E{Key: "maxMessageSizeBytes", Value: int32(MaxMessageSizeBytes)},
		bson.E{Key: "maxWriteBatchSize", Value: int32(MaxWriteBatchSize)},
		bson.E{Key: "localTime", Value: bson.DateTime(nowMillisUTC())},
		bson.E{Key: "logicalSessionTimeoutMinutes", Value: int32(LogicalSessionTimeoutMins)},
		bson.E{Key: "minWireVersion", Value: int32(MinWireVersion)},
		bson.E{Key: "maxWireVersion", Value: int32(MaxWireVersion)},
		bson.E{Key: "readOnly", Value: false},
	)

	// mirror the compressors the client offered, in our preference order
	if offered, ok := bsonutil.Lookup(req.Doc, "compression"); ok {
		if arr, ok := bsonutil.AsArray(offered); ok && len(arr) > 0 {
			var agreed bson.A
			for _, name := range []string{"snappy", "zlib", "zstd"} {
				for _, o := range arr {
					if o == name {
						agreed = append(agreed, name)
						break
					}
				}
			}
			if len(agreed) > 0 {
				resp = append(resp, bson.E{Key: "compression", Value: agreed})
			}
		}
	}

	return resp, nil
}

func (r *Request) keyFieldIsLegacyHello() bool {
	key := r.keyField()
	return key == "isMaster" || key == "ismaster"
}

func handlePing(*Request) (bson.D, error) {
	return bson.D{}, nil
}

func handleBuildInfo(*Request) (bson.D, error) {
	return bson.D{
		{Key: "version", Value: ServerVersion},
		{Key: "gitVersion", Value: "unknown"},
		{Key: "versionArray", Value: bson.A{int32(7), int32(0), int32(0), int32(0)}},
		{Key: "bits", Value: int32(64)},
		{Key: "debug", Value: false},
		{Key: "maxBsonObjectSize", Value: int32(MaxBSONObjectSize)},
	}, nil
}

func handleGetParameter(req *Request) (bson.D, error) {
	resp := bson.D{}
	all := false
	if v, ok := bsonutil.Lookup(req.Doc, "allParameters"); ok {
		all, _ = bsonutil.AsBool(v)
	}
	if all || bsonutil.Has(req.Doc, "featureCompatibilityVersion") {
		resp = append(resp, bson.E{
			Key:   "featureCompatibilityVersion",
			Value: bson.D{{Key: "version", Value: "7.0"}},
		})
	}
	return resp, nil
}

func handleWhatsMyURI(req *Request) (bson.D, error) {
	return bson.D{{Key: "you", Value: req.d.Cfg.HostPort()}}, nil
}

func handleConnectionStatus(*Request) (bson.D, error) {
	return bson.D{
		{Key: "authInfo", Value: bson.D{
			{Key: "authenticatedUsers", Value: bson.A{}},
			{Key: "authenticatedUserRoles", Value: bson.A{}},
		}},
	}, nil
}

// handleEndSessions removes the listed sessions best-effort; it always
// answers ok.
func handleEndSessions(req *Request) (bson.D, error) {
	v, _ := bsonutil.Lookup(req.Doc, "endSessions")
	arr, ok := bsonutil.AsArray(v)
	if !ok {
		return bson.D{}, nil
	}
	var ids []string
	for _, e := range arr {
		lsid, ok := bsonutil.AsDocument(e)
		if !ok {
			continue
		}
		id, err := session.ParseLsid(lsid)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	req.d.Sessions.End(ids)
	return bson.D{}, nil
}
