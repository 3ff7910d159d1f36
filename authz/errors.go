// Copyright 2026 The Postkit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package authz

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoTenant is returned by mutating calls performed without a bound
	// tenant namespace.
	ErrNoTenant = errors.New("no tenant namespace bound to session")

	// ErrCrossTenantWrite is returned when a write targets a namespace other
	// than the session's tenant outside the viewer-leave path.
	ErrCrossTenantWrite = errors.New("cross-tenant write not permitted")

	// ErrNoViewer is returned by viewer-gated operations when no viewer
	// identity has been set on the session.
	ErrNoViewer = errors.New("no viewer bound to session")

	// ErrGrantNotFound is returned by targeted updates whose grant does not
	// exist, such as setting an expiration on an absent tuple.
	ErrGrantNotFound = errors.New("grant not found")

	// ErrConflict wraps unique-constraint failures that idempotency could
	// not rewrite into a success.
	ErrConflict = errors.New("conflicting write")
)

// ValidationError reports invalid caller input: identifiers that are empty,
// whitespace-only, too long, contain null bytes, or type/permission words
// that are not lowercase identifiers. It reaches callers verbatim so user
// input errors stay distinguishable from system errors.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	v := e.Value
	if len(v) > 64 {
		v = v[:61] + "..."
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, v, e.Reason)
}

// CycleKind distinguishes the two graphs a CycleError can refer to.
type CycleKind string

const (
	// CycleHierarchy marks a rule that would make the effective
	// permission-implication DAG cyclic.
	CycleHierarchy CycleKind = "hierarchy"
	// CycleMembership marks a tuple that would make the same-type group
	// membership graph cyclic.
	CycleMembership CycleKind = "membership"
)

// CycleError rejects a write that would create a cycle. Path holds the
// offending chain when the detector can name it.
type CycleError struct {
	Kind CycleKind
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("%s cycle detected", e.Kind)
	}
	return fmt.Sprintf("%s cycle detected: %s would be circular", e.Kind, strings.Join(e.Path, " -> "))
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCycle reports whether err is a CycleError.
func IsCycle(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}
