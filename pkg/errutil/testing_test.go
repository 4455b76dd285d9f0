// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package errutil_test

import (
	"fmt"
	"testing"

	"github.com/samber/oops"

	"github.com/memorynote/pluginrt/pkg/errutil"
)

func TestAssertErrorCode_MatchingCode(t *testing.T) {
	errutil.AssertErrorCode(t, oops.Code("CYCLIC_DEPENDENCY").Errorf("a -> b -> a"), "CYCLIC_DEPENDENCY")
}

func TestAssertErrorCode_ThroughStdlibWrap(t *testing.T) {
	err := fmt.Errorf("activate: %w", oops.Code("INVALID_STATE").Errorf("plugin is UNLOADING"))
	errutil.AssertErrorCode(t, err, "INVALID_STATE")
}

func TestAssertErrorContext_MatchingKeyValue(t *testing.T) {
	err := oops.With("plugin", "p", "dependency", "q").Errorf("dependency q not loaded")
	errutil.AssertErrorContext(t, err, "plugin", "p")
	errutil.AssertErrorContext(t, err, "dependency", "q")
}
