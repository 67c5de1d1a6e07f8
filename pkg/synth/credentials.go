// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package synth

import (
	"fmt"

	"go.opendefense.cloud/mlflow-operator/pkg/relation"
)

// Credentials are the connection details clients need to use the tracking server.
type Credentials struct {
	TrackingURI     string `json:"trackingUri"`
	BackendStoreURI string `json:"backendStoreUri"`
	ArtifactRoot    string `json:"artifactRoot"`
	S3EndpointURL   string `json:"s3EndpointUrl"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
}

// Credentials derives the client credentials from the bindings. Unlike
// Synthesize it ignores configuration policy, so credentials can be read
// while the workload is blocked on a missing bucket.
func (s *Synthesizer) Credentials(snap relation.Snapshot) (Credentials, error) {
	if unmet := checkRequired(snap); unmet != nil {
		return Credentials{}, unmet
	}

	dbBinding, _ := snap.Get(relation.Database)
	osBinding, _ := snap.Get(relation.ObjectStorage)
	store := objectStorageFrom(osBinding)

	return Credentials{
		TrackingURI:     s.trackingURI(),
		BackendStoreURI: databaseFrom(dbBinding).dsn(),
		ArtifactRoot:    fmt.Sprintf("s3://%s/", s.cfg.DefaultArtifactRoot),
		S3EndpointURL:   store.endpoint(),
		AccessKeyID:     store.accessKey,
		SecretAccessKey: store.secretKey,
	}, nil
}

// BucketDirective returns a directive that creates the default artifact
// bucket regardless of the auto-create option.
func (s *Synthesizer) BucketDirective(snap relation.Snapshot) (EnsureBucket, error) {
	b, _ := snap.Get(relation.ObjectStorage)
	if !b.Present() {
		b = relation.Binding{Name: relation.ObjectStorage, Kind: relation.KindObjectStorage, SchemaVersion: relation.DefaultSchemaVersion}
	}
	if unmet := validate(b); unmet != nil {
		return EnsureBucket{}, unmet
	}
	if err := s.checkPolicy(); err != nil {
		return EnsureBucket{}, err
	}

	store := objectStorageFrom(b)
	return EnsureBucket{
		Bucket:          s.cfg.DefaultArtifactRoot,
		Create:          true,
		Endpoint:        store.endpoint(),
		Region:          store.regionOr(s.cfg.Region),
		AccessKeyID:     store.accessKey,
		SecretAccessKey: store.secretKey,
	}, nil
}
