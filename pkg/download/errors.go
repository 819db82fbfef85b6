/*
Copyright (C) 2023-2024 Loomworks

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/loomworks/model-registry/pkg/admission"
	"github.com/loomworks/model-registry/pkg/catalog"
	"github.com/loomworks/model-registry/pkg/modelpath"
)

// Kind classifies download failures. Kinds raised before the event stream
// starts map to HTTP statuses; kinds raised mid-stream terminate the stream
// with an error frame.
type Kind string

// Download failure kinds.
const (
	KindInvalidName        Kind = "InvalidName"
	KindURLForbidden       Kind = "UrlForbidden"
	KindCatalogUnavailable Kind = "CatalogUnavailable"
	KindUnauthorized       Kind = "Unauthorized"
	KindNetworkTimeout     Kind = "NetworkTimeout"
	KindHashMismatch       Kind = "HashMismatch"
	KindSizeMismatch       Kind = "SizeMismatch"
	KindDiskFull           Kind = "DiskFull"
	KindAliasCollision     Kind = "AliasCollision"
	KindUpstream           Kind = "UpstreamError"
	KindCanceled           Kind = "Canceled"
	KindInternal           Kind = "Internal"
)

// Error is a classified download failure.
type Error struct {
	Kind Kind
	// Status carries the upstream HTTP status for KindUnauthorized and
	// KindUpstream, zero otherwise.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}

	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func newErrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind of an error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var dlErr *Error
	if errors.As(err, &dlErr) {
		return dlErr.Kind
	}

	return KindInternal
}

// classify wraps an arbitrary error produced while preparing or streaming a
// download into a kinded one. Already classified errors pass through.
func classify(err error) *Error {
	var dlErr *Error
	if errors.As(err, &dlErr) {
		return dlErr
	}

	var invalidName *modelpath.InvalidNameError
	if errors.As(err, &invalidName) {
		return newError(KindInvalidName, err)
	}

	var forbidden *admission.ForbiddenURLError
	if errors.As(err, &forbidden) {
		return newError(KindURLForbidden, err)
	}

	switch {
	case errors.Is(err, catalog.ErrAliasCollision):
		return newError(KindAliasCollision, err)
	case errors.Is(err, syscall.ENOSPC):
		return newError(KindDiskFull, err)
	case errors.Is(err, context.Canceled):
		return newError(KindCanceled, err)
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return newError(KindNetworkTimeout, err)
	default:
		return newError(KindInternal, err)
	}
}
