// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package workload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.opendefense.cloud/mlflow-operator/pkg/synth"
)

// Hash returns a stable digest of spec. It is stamped on platform objects to
// detect drift and is never used to decide whether to apply.
func Hash(spec *synth.DesiredWorkloadSpec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("hashing spec: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}
