// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
)

// errLogAndWrap logs err with text as message, capitalized, and returns err
// wrapped with text. Additional key/value pairs are only logged.
func errLogAndWrap(log logr.Logger, err error, text string, keysAndValues ...any) error {
	if text == "" {
		return err
	}
	log.Error(err, strings.ToUpper(text[:1])+text[1:], keysAndValues...)
	return fmt.Errorf("%s: %w", text, err)
}
